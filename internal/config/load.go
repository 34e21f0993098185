package config

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/paths"
	"gopkg.in/yaml.v3"
)

// Comment written at the top of generated files.
const header = "# kiln configuration. See `kiln config show` for the effective values.\n"

// Reads, validates, and returns the configuration at path.
//
// Keys missing from the file keep their [Default] values. Unknown keys are
// returned as warnings rather than errors. All returned errors match
// [fault.ErrConfig].
func Load(path string) (*Config, []string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fault.Wrap(fault.ErrConfig, fault.Wrapf(ErrConfigRead, "%s: %w", path, err))
	}

	cfg, warnings, err := Parse(b)
	if err != nil {
		return nil, warnings, fault.Wrapf(fault.ErrConfig, "%s: %w", path, err)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		abs = filepath.Dir(path)
	}
	cfg.dir = abs

	return cfg, warnings, nil
}

// Parses and validates a configuration document.
func Parse(b []byte) (*Config, []string, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, nil, fault.Wrap(ErrConfigRead, err)
	}

	if doc != nil {
		if err := validateSchema(doc); err != nil {
			return nil, nil, fault.Wrap(ErrConfigInvalid, err)
		}
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, nil, fault.Wrap(ErrConfigRead, err)
	}

	warnings := unknownKeys(b)

	if err := cfg.Validate(); err != nil {
		return nil, warnings, fault.Wrap(ErrConfigInvalid, err)
	}

	return cfg, warnings, nil
}

// Returns a warning for every key that does not map to a field.
func unknownKeys(b []byte) []string {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var probe Config
	err := dec.Decode(&probe)

	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) {
		return nil
	}
	return typeErr.Errors
}

// Writes the configuration as YAML.
func Encode(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// Writes the configuration to path as YAML.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString(header)
	if err := Encode(&buf, cfg); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), paths.DefaultFileMode)
}

// Writes the default configuration to path.
//
// Returns [ErrConfigExists] if the file exists and force is false.
func Init(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fault.Wrapf(ErrConfigExists, "%s", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return Save(Default(), path)
}
