package recipe

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/manifest"
	"github.com/kilnhq/kiln/internal/paths"
)

// Body of stand-in sources for targets that need an entry point.
const dummyMain = "fn main() {}\n"

// Writes the skeleton into dir.
//
// Manifests, the lock file, and the config and toolchain files are always
// written. Stand-in target sources are only created where no file exists,
// so materializing over a real source tree never clobbers code.
func (r *Recipe) Materialize(dir string) error {
	files := append([]File{}, r.Skeleton.Manifests...)
	for _, f := range []*File{r.Skeleton.LockFile, r.Skeleton.Config, r.Skeleton.Toolchain} {
		if f != nil {
			files = append(files, *f)
		}
	}

	for _, f := range files {
		if err := writeFile(dir, f.Path, f.Contents, true); err != nil {
			return err
		}
	}

	for _, t := range r.Skeleton.Targets {
		if err := writeFile(dir, t.Path, dummySource(t.Kind), false); err != nil {
			return err
		}
	}

	return nil
}

// Writes contents to the slash path rel below dir.
func writeFile(dir, rel, contents string, overwrite bool) error {
	target, err := archive.SafeJoin(dir, rel)
	if err != nil {
		return fault.Wrap(ErrMaterialize, err)
	}

	if !overwrite {
		if _, err := os.Stat(target); err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fault.Wrap(ErrMaterialize, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
		return fault.Wrap(ErrMaterialize, err)
	}
	if err := os.WriteFile(target, []byte(contents), paths.DefaultFileMode); err != nil {
		return fault.Wrap(ErrMaterialize, err)
	}
	return nil
}

// Returns the stand-in source for a target kind.
func dummySource(kind manifest.TargetKind) string {
	switch kind {
	case manifest.KindBin, manifest.KindExample, manifest.KindBuildScript:
		return dummyMain
	default:
		return ""
	}
}
