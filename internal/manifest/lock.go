package manifest

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kilnhq/kiln/internal/fault"
)

// A parsed Cargo.lock.
type Lock struct {
	Doc map[string]any
}

// Parses the lock file at path.
func LoadLock(path string) (*Lock, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := make(map[string]any)
	if _, err := toml.Decode(string(b), &doc); err != nil {
		return nil, fault.Wrapf(ErrManifestMalformed, "%s: %w", path, err)
	}
	return &Lock{Doc: doc}, nil
}

// Replaces the versions of the named local packages with [MaskedVersion].
//
// Local packages are the lock entries without a source. References to them
// in other entries' dependency lists are rewritten to match.
func (l *Lock) MaskVersions(local map[string]bool) {
	for _, pkg := range l.packages() {
		name, _ := pkg["name"].(string)
		if _, hasSource := pkg["source"]; !hasSource && local[name] {
			pkg["version"] = MaskedVersion
		}

		deps, ok := pkg["dependencies"].([]any)
		if !ok {
			continue
		}
		for i, d := range deps {
			s, ok := d.(string)
			if !ok {
				continue
			}
			fields := strings.Fields(s)
			if len(fields) >= 2 && local[fields[0]] && !strings.HasPrefix(fields[len(fields)-1], "(") {
				deps[i] = fields[0] + " " + MaskedVersion
			}
		}
	}
}

// Serializes the lock file with keys in sorted order.
func (l *Lock) Encode() (string, error) {
	return encode(l.Doc)
}

// Returns the [[package]] tables.
func (l *Lock) packages() []map[string]any {
	switch v := l.Doc["package"].(type) {
	case []map[string]any:
		return v
	case []any:
		pkgs := make([]map[string]any, 0, len(v))
		for _, p := range v {
			if m, ok := p.(map[string]any); ok {
				pkgs = append(pkgs, m)
			}
		}
		return pkgs
	}
	return nil
}
