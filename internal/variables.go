package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (

	// Name of the tool, used for logging groups, paths, and usage output.
	Name = "kiln"

	// Reported for values that were neither linked in nor recorded by the Go
	// toolchain.
	undefined = "(undefined)"

	// Branch whose builds carry no stage suffix.
	mainBranch = "main"
)

// Set with -ldflags "-X github.com/kilnhq/kiln/internal.version=..." by
// release pipelines.
var (
	version   = "" // Version number (e.g., "1.2.3").
	stage     = "" // Git branch the release was cut from (e.g., "main").
	gitCommit = "" // Git commit hash.

	rawQuiet   = "false" // Start in quiet mode.
	rawDebug   = "false" // Start in debug mode.
	rawVerbose = "false" // Start with tool output streamed.
)

// Returns the version without a "v" prefix.
//
// Binaries built with go install carry their module version in the build
// info, which is used when no version was linked in.
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	if v == "" {
		return undefined
	}
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

// Returns the git commit, falling back to the VCS revision stamped by the
// Go toolchain.
func GitCommit() string {
	if c := strings.TrimSpace(gitCommit); c != "" {
		return c
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return undefined
}

// Returns the release stage, or "(undefined)".
func Stage() string {
	if s := strings.TrimSpace(stage); s != "" {
		return strings.ToLower(s)
	}
	return undefined
}

// Returns a version line for humans and logs.
//
// Formatted as "<version>[+<stage>] <commit> [<os>/<arch>]". Releases from
// the main branch carry no stage suffix.
func VersionString() string {
	v := Version()
	if s := Stage(); s != undefined && s != mainBranch {
		v += "+" + s
	}
	commit := GitCommit()
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("%s %s [%s/%s]", v, commit, runtime.GOOS, runtime.GOARCH)
}
