package archive

import (
	"archive/tar"
	"encoding/binary"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Entry kinds written into fingerprints.
const (
	kindFile    = "f"
	kindExec    = "x"
	kindDir     = "d"
	kindSymlink = "l"
)

// Length-prefixed writer over a digester.
//
// Each field is preceded by its 8-byte big-endian length so that adjacent
// fields cannot be confused with one another.
type fieldWriter struct {
	h hash.Hash
}

func (w fieldWriter) field(s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	w.h.Write(n[:])
	w.h.Write([]byte(s))
}

// Streams r into the digester as a single length-prefixed field.
func (w fieldWriter) content(size int64, r io.Reader) error {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(size))
	w.h.Write(n[:])
	_, err := io.Copy(w.h, r)
	return err
}

// Returns the content fingerprint of a file or directory tree.
//
// Paths matching ex are skipped. Entries are visited in lexical order, so
// the fingerprint is independent of directory listing order.
func DigestTree(root string, ex Excludes) (digest.Digest, error) {
	d := digest.SHA256.Digester()
	w := fieldWriter{h: d.Hash()}

	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if ex.Match(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			w.field(kindDir)
			w.field(rel)
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			w.field(kindSymlink)
			w.field(rel)
			w.field(target)
		case info.Mode().IsRegular():
			w.field(fileKind(info.Mode()))
			w.field(rel)
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			return w.content(info.Size(), f)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return d.Digest(), nil
}

// Returns the content fingerprint of a tar stream.
//
// Entries are sorted by name before hashing. File contents are buffered
// through their own digests so the stream is read only once.
func DigestTar(r io.Reader) (digest.Digest, error) {
	type record struct {
		name   string
		kind   string
		extra  string
		digest digest.Digest
	}

	var records []record
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		name := strings.TrimSuffix(strings.TrimPrefix(header.Name, "./"), "/")
		if name == "" || name == "." {
			continue
		}

		rec := record{name: name}
		switch header.Typeflag {
		case tar.TypeDir:
			rec.kind = kindDir
		case tar.TypeSymlink:
			rec.kind = kindSymlink
			rec.extra = header.Linkname
		case tar.TypeLink:
			rec.kind = kindSymlink
			rec.extra = "=" + header.Linkname
		case tar.TypeReg:
			rec.kind = fileKind(header.FileInfo().Mode())
			fd, err := digest.SHA256.FromReader(tr)
			if err != nil {
				return "", err
			}
			rec.digest = fd
		default:
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].name < records[j].name })

	d := digest.SHA256.Digester()
	w := fieldWriter{h: d.Hash()}
	for _, rec := range records {
		w.field(rec.kind)
		w.field(rec.name)
		w.field(rec.extra)
		w.field(rec.digest.String())
	}

	return d.Digest(), nil
}

// Distinguishes executable regular files from plain ones.
func fileKind(mode fs.FileMode) string {
	if mode.Perm()&0111 != 0 {
		return kindExec
	}
	return kindFile
}
