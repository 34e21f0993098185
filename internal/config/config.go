package config

import (
	"path/filepath"

	"github.com/containerd/platforms"
)

// Build profile.
type Profile string

const (
	ProfileDebug   Profile = "debug"
	ProfileRelease Profile = "release"
)

// Build engine.
type Engine string

const (
	EngineHost       Engine = "host"
	EngineContainerd Engine = "containerd"
	EngineDocker     Engine = "docker"
)

// Project configuration.
type Config struct {
	RPCURL     string     `yaml:"rpc_url"`
	Project    Project    `yaml:"project"`
	Images     Images     `yaml:"images"`
	Base       Base       `yaml:"base"`
	Runtime    Runtime    `yaml:"runtime"`
	Build      Build      `yaml:"build"`
	Containerd Containerd `yaml:"containerd"`
	Lint       Lint       `yaml:"lint"`

	dir string // Directory of the loaded file, for resolving relative paths.
}

// Identifies the project being built.
type Project struct {
	Name   string `yaml:"name"`   // Project name, used in workspace IDs.
	Root   string `yaml:"root"`   // Build context, relative to the config file.
	Binary string `yaml:"binary"` // Binary target, also the image entrypoint.
}

// Names the produced images.
type Images struct {
	Repository string `yaml:"repository"`  // Image repository.
	DebugTag   string `yaml:"debug_tag"`   // Tag of the debug image.
	ReleaseTag string `yaml:"release_tag"` // Tag of the release image.
}

// Configures the base stage.
type Base struct {
	Image          string   `yaml:"image"`           // Toolchain image.
	Packages       []string `yaml:"packages"`        // OS packages to install.
	PlannerTool    string   `yaml:"planner_tool"`    // Dependency planner installed for Dockerfile builds.
	PlannerVersion string   `yaml:"planner_version"` // Planner version, empty for latest.
}

// Configures the runtime stage.
type Runtime struct {
	Image     string   `yaml:"image"`     // Minimal OS image.
	Packages  []string `yaml:"packages"`  // OS packages to install.
	Libraries []string `yaml:"libraries"` // Shared libraries copied from the builder.
}

// Configures pipeline execution.
type Build struct {
	Engine      Engine   `yaml:"engine"`       // Build engine.
	Platforms   []string `yaml:"platforms"`    // Target platforms, empty for the host platform.
	InlineCache bool     `yaml:"inline_cache"` // Embed cache metadata in the image.
	CacheMounts []string `yaml:"cache_mounts"` // Directories persisted across builds.
	Workdir     string   `yaml:"workdir"`      // Project directory inside build stages.
	Shell       string   `yaml:"shell"`        // Shell for run steps.
	Exclude     []string `yaml:"exclude"`      // Paths left out of the build context.
}

// Configures containerd access.
type Containerd struct {
	Address     string `yaml:"address"`     // Socket address.
	Namespace   string `yaml:"namespace"`   // Namespace for images and containers.
	Snapshotter string `yaml:"snapshotter"` // Snapshotter for container filesystems.
}

// Configures the lint operation.
type Lint struct {
	Format bool     `yaml:"format"` // Apply formatting when drift is found.
	Fix    bool     `yaml:"fix"`    // Apply automatic analysis fixes.
	Allow  []string `yaml:"allow"`  // Lints passed as -A.
	Warn   []string `yaml:"warn"`   // Lints passed as -W.
	Deny   []string `yaml:"deny"`   // Lints passed as -D.
}

// Returns the complete default configuration.
func Default() *Config {
	return &Config{
		Project: Project{
			Name:   "app",
			Root:   ".",
			Binary: "cli",
		},
		Images: Images{
			Repository: "app",
			DebugTag:   "debug",
			ReleaseTag: "latest",
		},
		Base: Base{
			Image:       "rust:1-slim-bookworm",
			Packages:    []string{"pkg-config", "libssl-dev"},
			PlannerTool: "cargo-chef",
		},
		Runtime: Runtime{
			Image:     "debian:bookworm-slim",
			Packages:  []string{"ca-certificates"},
			Libraries: []string{},
		},
		Build: Build{
			Engine:      EngineHost,
			Platforms:   []string{},
			CacheMounts: []string{"/usr/local/cargo/registry", "/usr/local/cargo/git"},
			Workdir:     "/app",
			Shell:       "/bin/sh",
			Exclude:     []string{"target", ".git"},
		},
		Containerd: Containerd{
			Address:     "/run/containerd/containerd.sock",
			Namespace:   "kiln",
			Snapshotter: "overlayfs",
		},
		Lint: Lint{
			Format: true,
			Fix:    true,
			Allow:  []string{},
			Warn:   []string{},
			Deny:   []string{"warnings"},
		},
	}
}

// Returns the image reference for a profile.
func (c *Config) Image(profile Profile) string {
	tag := c.Images.ReleaseTag
	if profile == ProfileDebug {
		tag = c.Images.DebugTag
	}
	return c.Images.Repository + ":" + tag
}

// Returns the absolute build context directory.
func (c *Config) ProjectRoot() string {
	root := c.Project.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(c.dir, root)
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

// Returns the configured platforms, or the host platform when none are set.
func (c *Config) TargetPlatforms() []string {
	if len(c.Build.Platforms) > 0 {
		return c.Build.Platforms
	}
	return []string{platforms.DefaultString()}
}

// Sets the directory relative paths resolve against.
func (c *Config) SetDir(dir string) {
	c.dir = dir
}
