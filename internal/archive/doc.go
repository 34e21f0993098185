// Package archive reads, writes, and fingerprints tar streams.
//
// Tar is the transfer format between the host, build workspaces, and
// stored layers. Directory trees are written with archive names rooted at a
// caller-chosen prefix, and extraction refuses entries that would escape the
// destination directory.
//
// Fingerprints ([DigestTree] and [DigestTar]) identify content, not
// metadata: they cover entry names, types, the executable bit, link targets,
// and file bytes, but ignore timestamps and ownership. Two trees with the
// same files therefore fingerprint the same no matter when they were
// written, which is what makes them usable as cache key inputs.
//
// Example usage:
//
//	ex := archive.Excludes{"target", ".git"}
//	d, err := archive.DigestTree("project", ex)
//	if err != nil {
//	    return err
//	}
//
//	tw := tar.NewWriter(w)
//	if err := archive.WriteDir(tw, "project", "app", ex); err != nil {
//	    return err
//	}
package archive
