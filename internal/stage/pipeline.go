package stage

import (
	"fmt"
	"path"
	"strings"

	"github.com/kilnhq/kiln/internal/config"
)

// Stage names of the default pipeline.
const (
	Base    = "base"
	Planner = "planner"
	Builder = "builder"
	Runtime = "runtime"
)

// Directory the binary is installed to in the runtime image.
const binDir = "/usr/local/bin"

// Environment variable holding the workspace root in host engine commands.
const HostRootEnv = "KILN_ROOT"

// Returns the default pipeline for a profile on the configured engine.
func Default(cfg *config.Config, profile config.Profile) (*Pipeline, error) {
	return ForEngine(cfg, profile, cfg.Build.Engine)
}

// Returns the default four-stage pipeline for a profile and engine.
//
// On containerized engines the base and runtime stages start from the
// configured images and install their OS packages. On the host engine the
// host toolchain is the base, so both start from scratch with no package
// steps, and the runtime stage bundles the shared libraries the binary links
// against, plus the declared ones, from the host. The planner tool is only
// installed for the docker engine, where planning runs inside the build.
func ForEngine(cfg *config.Config, profile config.Profile, engine config.Engine) (*Pipeline, error) {
	if profile != config.ProfileDebug && profile != config.ProfileRelease {
		return nil, fmt.Errorf("%w: unknown profile %q", ErrInvalidPipeline, profile)
	}

	workdir := cfg.Build.Workdir
	bin := cfg.Project.Binary
	target := path.Join(workdir, "target", string(profile), bin)
	installed := path.Join(binDir, bin)
	containerized := engine != config.EngineHost

	var mounts []string
	if containerized {
		mounts = cfg.Build.CacheMounts
	}

	base := Stage{Name: Base, From: Source{Image: Scratch}, Transient: true}
	runtime := Stage{Name: Runtime, From: Source{Image: Scratch}}

	if containerized {
		base.From = Source{Image: cfg.Base.Image}
		if run := aptInstall(cfg.Base.Packages); run != "" {
			base.Steps = append(base.Steps, Step{Run: run})
		}
		if engine == config.EngineDocker && cfg.Base.PlannerTool != "" {
			base.Steps = append(base.Steps, Step{Run: cargoInstall(cfg.Base.PlannerTool, cfg.Base.PlannerVersion), Mounts: mounts})
		}

		runtime.From = Source{Image: cfg.Runtime.Image}
		if run := aptInstall(cfg.Runtime.Packages); run != "" {
			runtime.Steps = append(runtime.Steps, Step{Run: run})
		}
	}

	planner := Stage{
		Name:      Planner,
		From:      Source{Stage: Base},
		Transient: true,
		Steps: []Step{
			{Workdir: workdir},
			{Plan: true},
		},
	}

	builder := Stage{
		Name:      Builder,
		From:      Source{Stage: Base},
		Transient: true,
		Steps: []Step{
			{Workdir: workdir},
			{Copy: fmt.Sprintf("%s:%s %s", Planner, path.Join(workdir, RecipeFile), RecipeFile)},
			{Cook: true, Run: cargoBuild(profile, ""), Mounts: mounts},
			{Copy: ". ."},
			{Run: touchSources() + " && " + cargoBuild(profile, bin), Mounts: mounts},
		},
	}

	runtime.Steps = append(runtime.Steps, Step{Copy: fmt.Sprintf("%s:%s %s", Builder, target, installed)})
	if containerized {
		for _, lib := range cfg.Runtime.Libraries {
			runtime.Steps = append(runtime.Steps, Step{Copy: fmt.Sprintf("%s:%s %s", Builder, lib, lib)})
		}
	} else {
		runtime.Steps = append(runtime.Steps, Step{Run: bundleLibraries(installed, cfg.Runtime.Libraries)})
	}

	return &Pipeline{
		Profile:    profile,
		Engine:     engine,
		Binary:     bin,
		Stages:     []Stage{base, planner, builder, runtime},
		Entrypoint: []string{installed},
	}, nil
}

// Returns the cargo build command for a profile, optionally for one binary.
func cargoBuild(profile config.Profile, bin string) string {
	args := []string{"cargo", "build"}
	if profile == config.ProfileRelease {
		args = append(args, "--release")
	}
	if bin != "" {
		args = append(args, "--bin", bin)
	}
	return strings.Join(args, " ")
}

// Marks project sources newer than the artifacts compiled from the skeleton.
func touchSources() string {
	return "find . -path ./target -prune -o -name '*.rs' -exec touch {} +"
}

// Returns the host command copying the shared libraries of bin, as listed
// by ldd, and the extra libraries into the workspace at their own paths.
//
// Statically linked binaries have no libraries to copy.
func bundleLibraries(bin string, extra []string) string {
	libs := `$(ldd "$` + HostRootEnv + bin + `" 2>/dev/null | grep -o '/[^ ]*')`
	for _, lib := range extra {
		libs += " " + lib
	}
	return "for lib in " + libs + "; do " +
		`mkdir -p "$` + HostRootEnv + `$(dirname "$lib")" && cp -L "$lib" "$` + HostRootEnv + `$lib" || exit 1; ` +
		"done"
}

// Returns the command installing OS packages, or "" when there are none.
func aptInstall(packages []string) string {
	if len(packages) == 0 {
		return ""
	}
	return "apt-get update && apt-get install -y --no-install-recommends " +
		strings.Join(packages, " ") +
		" && rm -rf /var/lib/apt/lists/*"
}

// Returns the command installing a cargo tool.
func cargoInstall(tool, version string) string {
	cmd := "cargo install " + tool + " --locked"
	if version != "" {
		cmd += " --version " + version
	}
	return cmd
}
