package manifest

import (
	"bytes"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kilnhq/kiln/internal/fault"
)

const (

	// Manifest file name.
	FileName = "Cargo.toml"

	// Lock file name.
	LockName = "Cargo.lock"

	// Version written in place of workspace-local package versions.
	MaskedVersion = "0.0.1"
)

// Directories never searched for manifests.
var skipDirs = map[string]bool{
	"target":       true,
	"node_modules": true,
}

// Dependency tables whose path entries are rewritten by masking.
var dependencyTables = []string{"dependencies", "dev-dependencies", "build-dependencies"}

// A parsed Cargo manifest.
type Manifest struct {
	Path string         // Slash path relative to the project root.
	Doc  map[string]any // Decoded TOML document.
}

// Returns the slash paths, relative to root, of every manifest in the tree.
//
// The result is sorted. Build output, VCS metadata, and other hidden
// directories are skipped. Returns [ErrManifestMissing] when root itself has
// no manifest.
func Discover(root string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(root, FileName)); err != nil {
		return nil, fault.Wrapf(ErrManifestMissing, "%s: %w", filepath.Join(root, FileName), err)
	}

	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if p != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Name() != FileName {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		found = append(found, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(found)
	return found, nil
}

// Parses the manifest at the slash path rel below root.
func Load(root, rel string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fault.Wrapf(ErrManifestMissing, "%s: %w", rel, err)
	}

	doc := make(map[string]any)
	if _, err := toml.Decode(string(b), &doc); err != nil {
		return nil, fault.Wrapf(ErrManifestMalformed, "%s: %w", rel, err)
	}

	return &Manifest{Path: rel, Doc: doc}, nil
}

// Slash path of the directory holding the manifest, relative to the root.
func (m *Manifest) Dir() string {
	return path.Dir(m.Path)
}

// Returns the package name, or "" for a virtual workspace manifest.
func (m *Manifest) PackageName() string {
	pkg, _ := m.Doc["package"].(map[string]any)
	name, _ := pkg["name"].(string)
	return name
}

// Reports whether the manifest declares a workspace.
func (m *Manifest) IsWorkspace() bool {
	_, ok := m.Doc["workspace"].(map[string]any)
	return ok
}

// Replaces workspace-local versions with [MaskedVersion].
//
// The package's own version, the workspace package version, and the version
// requirement of every path dependency are rewritten. Inherited versions
// ("version.workspace = true") are left alone.
func (m *Manifest) MaskVersions() {
	if pkg, ok := m.Doc["package"].(map[string]any); ok {
		maskVersion(pkg)
	}

	if ws, ok := m.Doc["workspace"].(map[string]any); ok {
		if pkg, ok := ws["package"].(map[string]any); ok {
			maskVersion(pkg)
		}
		maskDependencies(ws["dependencies"])
	}

	for _, table := range dependencyTables {
		maskDependencies(m.Doc[table])
	}

	if targets, ok := m.Doc["target"].(map[string]any); ok {
		for _, cfg := range targets {
			t, ok := cfg.(map[string]any)
			if !ok {
				continue
			}
			for _, table := range dependencyTables {
				maskDependencies(t[table])
			}
		}
	}
}

// Serializes the manifest with keys in sorted order.
func (m *Manifest) Encode() (string, error) {
	return encode(m.Doc)
}

// Sets a literal version string to the masked version.
func maskVersion(table map[string]any) {
	if _, ok := table["version"].(string); ok {
		table["version"] = MaskedVersion
	}
}

// Masks the version of every path dependency in a dependency table.
func maskDependencies(v any) {
	deps, ok := v.(map[string]any)
	if !ok {
		return
	}
	for _, dep := range deps {
		spec, ok := dep.(map[string]any)
		if !ok {
			continue
		}
		if _, isPath := spec["path"]; isPath {
			maskVersion(spec)
		}
	}
}

// Encodes a TOML document. The encoder sorts map keys.
func encode(doc map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
