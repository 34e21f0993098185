// Package image writes, reads, and stores OCI image archives.
//
// An archive is an OCI image layout packed into a single tar file: an
// oci-layout marker, an index.json naming one manifest, and the content
// blobs under blobs/sha256. Archives written here carry one gzip layer per
// directory tree and an image config with the entrypoint, environment, and
// working directory of the image. Archives produced elsewhere (for example
// by containerd) can be unpacked as long as they follow the same layout.
//
// The [Store] keeps finished images under a reference such as
// "app:latest". Archives are stored by content digest and the reference
// index is replaced atomically, so a reference only ever points at a
// complete archive.
//
// Example usage:
//
//	f, err := os.Create("image.tar")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	cfg := image.Config{Entrypoint: []string{"/usr/local/bin/cli"}}
//	if err := image.Write(f, "app:latest", "linux/amd64", cfg, "rootfs"); err != nil {
//	    return err
//	}
package image
