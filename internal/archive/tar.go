package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kilnhq/kiln/internal/fault"
)

// Path patterns excluded from directory walks.
//
// A pattern matches a relative slash path when it equals the path, is a
// parent directory of it, or matches it (or its base name) as a
// [path.Match] glob.
type Excludes []string

// Reports whether the relative slash path is excluded.
func (e Excludes) Match(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	base := path.Base(rel)
	for _, p := range e {
		p = strings.TrimSuffix(strings.TrimPrefix(p, "./"), "/")
		if p == "" {
			continue
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}

// Writes a single file to a tar writer with the given archive name.
func WriteFile(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Lstat(hostPath)
	if err != nil {
		return err
	}
	return writeEntry(tw, hostPath, name, info)
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
//
// Entries matching ex are skipped along with everything below them. An
// empty prefix writes entries relative to the archive root.
func WriteDir(tw *tar.Writer, hostDir, prefix string, ex Excludes) error {
	return filepath.WalkDir(hostDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if ex.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := path.Join(prefix, rel)
		if name == "." || name == "" {
			// The archive root itself carries no entry.
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return writeEntry(tw, p, name, info)
	})
}

// Writes a single file, directory, or symlink entry to a tar writer.
func writeEntry(tw *tar.Writer, hostPath, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(hostPath)
		if err != nil {
			return err
		}
		link = target
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() && !strings.HasSuffix(header.Name, "/") {
		header.Name += "/"
	}
	header.Uname, header.Gname = "", ""

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}

// Extracts a tar stream into dest.
//
// Regular files, directories, symlinks, and hard links are supported.
// Entries whose names would resolve outside dest are rejected with
// [ErrUnsafePath]. Existing files are replaced.
func Extract(r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := SafeJoin(dest, header.Name)
		if err != nil {
			return err
		}
		if target == filepath.Clean(dest) {
			continue
		}

		if err := extractEntry(tr, header, dest, target); err != nil {
			return err
		}
	}
}

// Writes one tar entry to target.
func extractEntry(tr *tar.Reader, header *tar.Header, dest, target string) error {
	mode := header.FileInfo().Mode().Perm()

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode|0700); err != nil {
			return err
		}
		return os.Chmod(target, mode|0700)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		_ = os.Remove(target)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(header.Linkname, target)

	case tar.TypeLink:
		source, err := SafeJoin(dest, header.Linkname)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Link(source, target)

	case tar.TypeXGlobalHeader:
		return nil

	default:
		return fault.Wrapf(ErrUnsupported, "%s: type %c", header.Name, header.Typeflag)
	}
}

// Joins an archive name onto root, refusing names that escape it.
//
// Absolute names are treated as relative to root.
func SafeJoin(root, name string) (string, error) {
	clean := path.Clean(strings.TrimLeft(filepath.ToSlash(name), "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fault.Wrapf(ErrUnsafePath, "%s", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}
