package manifest

import (
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Kind of compilation target.
type TargetKind string

const (
	KindLib         TargetKind = "lib"
	KindBin         TargetKind = "bin"
	KindExample     TargetKind = "example"
	KindTest        TargetKind = "test"
	KindBench       TargetKind = "bench"
	KindBuildScript TargetKind = "build-script"
)

// A source file Cargo compiles as a target root.
type Target struct {
	Path string     `json:"path"` // Slash path relative to the project root.
	Kind TargetKind `json:"kind"`
}

// Auto-discovered target directories and their kinds, with the manifest
// flag that disables discovery.
var autoTargets = []struct {
	table string
	dir   string
	kind  TargetKind
	flag  string
}{
	{"bin", "src/bin", KindBin, "autobins"},
	{"example", "examples", KindExample, "autoexamples"},
	{"test", "tests", KindTest, "autotests"},
	{"bench", "benches", KindBench, "autobenches"},
}

// Returns the target root files of the manifest's package.
//
// root is the project root the manifest path is relative to. Virtual
// workspace manifests have no targets. The result is sorted by path.
func (m *Manifest) Targets(root string) []Target {
	pkg, ok := m.Doc["package"].(map[string]any)
	if !ok {
		return nil
	}

	dir := m.Dir()
	exists := func(rel string) bool {
		_, err := os.Stat(filepath.Join(root, filepath.FromSlash(path.Join(dir, rel))))
		return err == nil
	}

	set := make(map[string]TargetKind)
	add := func(rel string, kind TargetKind) {
		p := path.Join(dir, rel)
		if _, seen := set[p]; !seen {
			set[p] = kind
		}
	}

	// Library.
	if lib, ok := m.Doc["lib"].(map[string]any); ok {
		if p, ok := lib["path"].(string); ok {
			add(p, KindLib)
		} else {
			add("src/lib.rs", KindLib)
		}
	} else if exists("src/lib.rs") {
		add("src/lib.rs", KindLib)
	}

	// Build script.
	switch b := pkg["build"].(type) {
	case string:
		add(b, KindBuildScript)
	case bool:
		if b {
			add("build.rs", KindBuildScript)
		}
	default:
		if exists("build.rs") {
			add("build.rs", KindBuildScript)
		}
	}

	// Explicit target tables.
	for _, auto := range autoTargets {
		for _, t := range tables(m.Doc[auto.table]) {
			if p, ok := t["path"].(string); ok {
				add(p, auto.kind)
				continue
			}
			name, _ := t["name"].(string)
			switch {
			case name == "":
			case exists(path.Join(auto.dir, name+".rs")):
				add(path.Join(auto.dir, name+".rs"), auto.kind)
			case exists(path.Join(auto.dir, name, "main.rs")):
				add(path.Join(auto.dir, name, "main.rs"), auto.kind)
			case auto.kind == KindBin && name == m.PackageName():
				add("src/main.rs", KindBin)
			default:
				add(path.Join(auto.dir, name+".rs"), auto.kind)
			}
		}
	}

	// Auto-discovered targets.
	if enabled(pkg, "autobins") && exists("src/main.rs") {
		add("src/main.rs", KindBin)
	}
	for _, auto := range autoTargets {
		if !enabled(pkg, auto.flag) {
			continue
		}
		for _, rel := range discoverDir(filepath.Join(root, filepath.FromSlash(path.Join(dir, auto.dir)))) {
			add(path.Join(auto.dir, rel), auto.kind)
		}
	}

	targets := make([]Target, 0, len(set))
	for p, kind := range set {
		targets = append(targets, Target{Path: p, Kind: kind})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Path < targets[j].Path })
	return targets
}

// Returns "<name>.rs" and "<name>/main.rs" entries of dir, sorted.
func discoverDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var found []string
	for _, e := range entries {
		switch {
		case e.IsDir():
			if _, err := os.Stat(filepath.Join(dir, e.Name(), "main.rs")); err == nil {
				found = append(found, e.Name()+"/main.rs")
			}
		case path.Ext(e.Name()) == ".rs":
			found = append(found, e.Name())
		}
	}
	return found
}

// Reports whether an auto-discovery flag is on. Flags default to true.
func enabled(pkg map[string]any, flag string) bool {
	v, ok := pkg[flag].(bool)
	return !ok || v
}

// Normalizes an array of tables as decoded from TOML.
func tables(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
