package image

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/opencontainers/go-digest"
)

const (

	// Name of the reference index inside the store root.
	storeIndex = "index.json"

	// Name of the lock file serializing store access across processes.
	storeLock = ".lock"
)

// A tagged image held by the store.
type Image struct {
	Ref      string        `json:"ref"`      // Reference, e.g. "app:latest".
	Platform string        `json:"platform"` // OCI platform, e.g. "linux/amd64".
	Digest   digest.Digest `json:"digest"`   // Digest of the archive file.
	Size     int64         `json:"size"`     // Archive size in bytes.
	Created  time.Time     `json:"created"`  // Time the reference was last set.
}

// Local store of tagged image archives.
//
// Archives live under blobs/ named by digest. The reference index is
// rewritten through a temporary file and a rename, so readers never observe
// a partial index. Every operation holds an exclusive lock on the store
// root, so that concurrent processes never collect an archive another one
// has ingested but not yet indexed.
type Store struct {
	root string
}

// Creates a store rooted at dir. The directory is created on first use.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Copies the archive at path into the store and points ref at it.
//
// Any previous image under the same reference and platform is replaced.
// Archives no longer referenced are removed.
func (s *Store) Put(ref, platform, path string) (*Image, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}

	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, size, err := s.ingest(path)
	if err != nil {
		return nil, fault.Wrap(ErrStore, err)
	}

	images, err := s.load()
	if err != nil {
		return nil, err
	}

	img := Image{
		Ref:      ref,
		Platform: platform,
		Digest:   d,
		Size:     size,
		Created:  time.Now().UTC(),
	}

	replaced := false
	for i := range images {
		if images[i].Ref == ref && images[i].Platform == platform {
			images[i] = img
			replaced = true
		}
	}
	if !replaced {
		images = append(images, img)
	}

	if err := s.save(images); err != nil {
		return nil, err
	}
	s.collect(images)

	return &img, nil
}

// Returns the image for ref and platform along with the archive path.
//
// An empty platform matches the first image stored under ref.
func (s *Store) Get(ref, platform string) (*Image, string, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	images, err := s.load()
	if err != nil {
		return nil, "", err
	}

	for _, img := range images {
		if img.Ref == ref && (platform == "" || img.Platform == platform) {
			return &img, s.blob(img.Digest), nil
		}
	}

	return nil, "", fault.Wrapf(ErrImageNotFound, "%s", ref)
}

// Returns every stored image, sorted by reference and platform.
func (s *Store) List() ([]Image, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	images, err := s.load()
	if err != nil {
		return nil, err
	}

	sort.Slice(images, func(i, j int) bool {
		if images[i].Ref != images[j].Ref {
			return images[i].Ref < images[j].Ref
		}
		return images[i].Platform < images[j].Platform
	})
	return images, nil
}

// Removes the reference. Returns [ErrImageNotFound] if it does not exist.
func (s *Store) Remove(ref, platform string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	images, err := s.load()
	if err != nil {
		return err
	}

	kept := images[:0]
	for _, img := range images {
		if img.Ref == ref && (platform == "" || img.Platform == platform) {
			continue
		}
		kept = append(kept, img)
	}
	if len(kept) == len(images) {
		return fault.Wrapf(ErrImageNotFound, "%s", ref)
	}

	if err := s.save(kept); err != nil {
		return err
	}
	s.collect(kept)
	return nil
}

// Takes the exclusive store lock and returns the function releasing it.
//
// The lock is held on an open file description, so it also serializes
// goroutines of one process.
func (s *Store) lock() (func(), error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fault.Wrap(ErrStore, err)
	}

	f, err := os.OpenFile(filepath.Join(s.root, storeLock), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fault.Wrap(ErrStore, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fault.Wrap(ErrStore, err)
	}

	return func() {
		unlockFile(f)
		f.Close()
	}, nil
}

// Copies an archive into blobs/, named by its digest.
func (s *Store) ingest(path string) (digest.Digest, int64, error) {
	blobs := filepath.Join(s.root, "blobs")
	if err := os.MkdirAll(blobs, 0755); err != nil {
		return "", 0, err
	}

	src, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(blobs, ".ingest-")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	digester := digest.SHA256.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), src)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	d := digester.Digest()
	if err := os.Rename(tmp.Name(), s.blob(d)); err != nil {
		return "", 0, err
	}
	return d, size, nil
}

// Path of the stored archive with the given digest.
func (s *Store) blob(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Encoded()+".tar")
}

// Reads the reference index. A missing index is an empty store.
func (s *Store) load() ([]Image, error) {
	b, err := os.ReadFile(filepath.Join(s.root, storeIndex))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(ErrStore, err)
	}

	var images []Image
	if err := json.Unmarshal(b, &images); err != nil {
		return nil, fault.Wrap(ErrStore, err)
	}
	return images, nil
}

// Replaces the reference index atomically.
func (s *Store) save(images []Image) error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fault.Wrap(ErrStore, err)
	}

	b, err := json.MarshalIndent(images, "", "  ")
	if err != nil {
		return fault.Wrap(ErrStore, err)
	}

	tmp, err := os.CreateTemp(s.root, ".index-")
	if err != nil {
		return fault.Wrap(ErrStore, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fault.Wrap(ErrStore, err)
	}
	if err := tmp.Close(); err != nil {
		return fault.Wrap(ErrStore, err)
	}

	return fault.Wrap(ErrStore, os.Rename(tmp.Name(), filepath.Join(s.root, storeIndex)))
}

// Deletes archives that no reference points at.
func (s *Store) collect(images []Image) {
	live := make(map[string]bool, len(images))
	for _, img := range images {
		live[img.Digest.Encoded()+".tar"] = true
	}

	entries, err := os.ReadDir(filepath.Join(s.root, "blobs"))
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || live[e.Name()] {
			continue
		}
		os.Remove(filepath.Join(s.root, "blobs", e.Name()))
	}
}

// Checks that ref is a valid image reference, such as "app" or "app:latest".
func ValidateRef(ref string) error {
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return fault.Wrapf(ErrInvalidRef, "%q: %w", ref, err)
	}
	return nil
}
