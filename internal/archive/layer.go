package archive

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// Applies an image layer tar stream on top of dest.
//
// Behaves like [Extract] but honours OCI whiteouts: a ".wh.<name>" entry
// removes <name> from the lower layers, and ".wh..wh..opq" empties its
// directory before the layer's own entries for it are written.
func Apply(r io.Reader, dest string) error {
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

		name := path.Clean(strings.TrimLeft(header.Name, "/"))
		dir, base := path.Split(name)

		if base == whiteoutOpaque {
			target, err := SafeJoin(dest, dir)
			if err != nil {
				return err
			}
			if err := clearDir(target); err != nil {
				return err
			}
			continue
		}

		if strings.HasPrefix(base, whiteoutPrefix) {
			target, err := SafeJoin(dest, path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
			if err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			continue
		}

		target, err := SafeJoin(dest, name)
		if err != nil {
			return err
		}
		if target == filepath.Clean(dest) {
			continue
		}

		// A directory replacing a file (or the reverse) needs the old entry gone.
		if info, err := os.Lstat(target); err == nil && info.IsDir() != (header.Typeflag == tar.TypeDir) {
			if err := os.RemoveAll(target); err != nil {
				return err
			}
		}

		if err := extractEntry(tr, header, dest, target); err != nil {
			return err
		}
	}
}

// Removes everything inside dir, keeping dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
