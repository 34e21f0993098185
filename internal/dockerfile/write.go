package dockerfile

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/stage"
)

// File names written by [Write].
const (
	ReleaseFile = "Dockerfile"
	DebugFile   = "Dockerfile.dev"
	IgnoreFile  = ".dockerignore"
)

// Returns the Dockerfile name for a profile.
func FileName(profile config.Profile) string {
	if profile == config.ProfileDebug {
		return DebugFile
	}
	return ReleaseFile
}

// Returns the Dockerfile for a profile rendered from the default pipeline.
func Generate(cfg *config.Config, profile config.Profile) ([]byte, error) {
	p, err := stage.ForEngine(cfg, profile, config.EngineDocker)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := Render(&buf, p, cfg.Base.PlannerTool); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writes Dockerfile (release), Dockerfile.dev (debug) and .dockerignore
// into dir and returns their paths.
//
// Existing files are left untouched and reported with [ErrExists] unless
// force is set. Nothing is written when any file would be refused.
func Write(cfg *config.Config, dir string, force bool) ([]string, error) {
	files := make(map[string][]byte)
	var names []string

	for _, profile := range []config.Profile{config.ProfileRelease, config.ProfileDebug} {
		b, err := Generate(cfg, profile)
		if err != nil {
			return nil, err
		}
		name := FileName(profile)
		files[name] = b
		names = append(names, name)
	}

	files[IgnoreFile] = ignoreFile(cfg.Build.Exclude)
	names = append(names, IgnoreFile)

	if !force {
		for _, name := range names {
			_, err := os.Stat(filepath.Join(dir, name))
			if err == nil {
				return nil, fault.Wrapf(ErrExists, "%s (use --force to overwrite)", filepath.Join(dir, name))
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fault.Wrap(ErrWrite, err)
			}
		}
	}

	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, fault.Wrap(ErrWrite, err)
	}

	var written []string
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, files[name], paths.DefaultFileMode); err != nil {
			return written, fault.Wrap(ErrWrite, err)
		}
		slog.Debug("file written", "path", path)
		written = append(written, path)
	}
	return written, nil
}

// Returns .dockerignore contents excluding the given paths.
func ignoreFile(exclude []string) []byte {
	var buf bytes.Buffer
	for _, p := range exclude {
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
