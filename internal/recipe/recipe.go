package recipe

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/manifest"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/opencontainers/go-digest"
)

// Candidate locations of optional project files, in order of preference.
var (
	configFiles    = []string{".cargo/config.toml", ".cargo/config"}
	toolchainFiles = []string{"rust-toolchain.toml", "rust-toolchain"}
)

// A file recorded verbatim in the recipe.
type File struct {
	Path     string `json:"path"`     // Slash path relative to the project root.
	Contents string `json:"contents"` // File contents.
}

// The files a dependency build needs.
type Skeleton struct {
	Manifests []File            `json:"manifests"`
	LockFile  *File             `json:"lock_file,omitempty"`
	Config    *File             `json:"config_file,omitempty"`
	Toolchain *File             `json:"rust_toolchain_file,omitempty"`
	Targets   []manifest.Target `json:"targets"`
}

// A dependency recipe.
type Recipe struct {
	Skeleton Skeleton `json:"skeleton"`
}

// Plans the recipe for the project at root.
//
// Returns [ErrManifestMissing] when root has no Cargo.toml and
// [ErrManifestMalformed] when any manifest or the lock file fails to parse.
func Plan(root string) (*Recipe, error) {
	rels, err := manifest.Discover(root)
	if err != nil {
		return nil, err
	}

	manifests := make([]*manifest.Manifest, 0, len(rels))
	local := make(map[string]bool)
	for _, rel := range rels {
		m, err := manifest.Load(root, rel)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
		if name := m.PackageName(); name != "" {
			local[name] = true
		}
	}

	r := &Recipe{Skeleton: Skeleton{Manifests: []File{}, Targets: []manifest.Target{}}}

	for _, m := range manifests {
		r.Skeleton.Targets = append(r.Skeleton.Targets, m.Targets(root)...)

		m.MaskVersions()
		contents, err := m.Encode()
		if err != nil {
			return nil, fault.Wrapf(ErrManifestMalformed, "%s: %w", m.Path, err)
		}
		r.Skeleton.Manifests = append(r.Skeleton.Manifests, File{Path: m.Path, Contents: contents})
	}

	sort.Slice(r.Skeleton.Targets, func(i, j int) bool {
		return r.Skeleton.Targets[i].Path < r.Skeleton.Targets[j].Path
	})

	if r.Skeleton.LockFile, err = planLock(root, local); err != nil {
		return nil, err
	}
	if r.Skeleton.Config, err = readFirst(root, configFiles); err != nil {
		return nil, err
	}
	if r.Skeleton.Toolchain, err = readFirst(root, toolchainFiles); err != nil {
		return nil, err
	}

	slog.Debug("recipe planned",
		"manifests", len(r.Skeleton.Manifests),
		"targets", len(r.Skeleton.Targets),
		"lock", r.Skeleton.LockFile != nil,
	)

	return r, nil
}

// Reads and masks Cargo.lock. Returns nil when the project has none.
func planLock(root string, local map[string]bool) (*File, error) {
	path := filepath.Join(root, manifest.LockName)

	lock, err := manifest.LoadLock(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lock.MaskVersions(local)
	contents, err := lock.Encode()
	if err != nil {
		return nil, fault.Wrapf(ErrManifestMalformed, "%s: %w", manifest.LockName, err)
	}

	return &File{Path: manifest.LockName, Contents: contents}, nil
}

// Returns the first existing candidate file, verbatim.
func readFirst(root string, candidates []string) (*File, error) {
	for _, rel := range candidates {
		b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &File{Path: rel, Contents: string(b)}, nil
	}
	return nil, nil
}

// Returns the canonical serialization of the recipe.
func (r *Recipe) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// Returns the digest of the canonical serialization.
func (r *Recipe) Digest() (digest.Digest, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b), nil
}

// Writes the canonical serialization to path.
func (r *Recipe) Save(path string) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, paths.DefaultFileMode)
}

// Parses a serialized recipe.
func Parse(b []byte) (*Recipe, error) {
	var r Recipe
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fault.Wrap(ErrInvalidRecipe, err)
	}
	if len(r.Skeleton.Manifests) == 0 {
		return nil, fault.Wrapf(ErrInvalidRecipe, "no manifests")
	}
	return &r, nil
}

// Reads a recipe file.
func Load(path string) (*Recipe, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(ErrInvalidRecipe, err)
	}
	return Parse(b)
}
