// Package config loads and validates the project configuration file.
//
// The configuration is a YAML document, config.yaml by default, that names
// the project, its images, and how the layered build runs. Loading happens
// in four passes: the raw document is checked against an embedded JSON
// schema, decoded on top of [Default] so omitted keys keep their default
// values, scanned for keys the tool does not know (reported as warnings),
// and finally validated semantically. Semantic failures are reported as
// [ValidationError] values naming the offending field.
//
// Example usage:
//
//	cfg, warnings, err := config.Load("config.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, w := range warnings {
//	    slog.Warn(w)
//	}
//	ref := cfg.Image(config.ProfileRelease)
package config
