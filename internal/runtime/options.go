package runtime

import (
	"maps"
	"slices"
	"strings"
)

// A host directory made available inside a workspace.
type Mount struct {
	Source string // Host directory.
	Target string // Absolute path inside the workspace.
}

// Describes the workspace to start.
//
// Exactly one of Image and Archive is set. Archive takes precedence when
// both are.
type StartOptions struct {
	ID       string  // Workspace identifier, unique within the build.
	Platform string  // OCI platform (e.g., "linux/amd64").
	Image    string  // Image reference to start from.
	Archive  string  // OCI archive on the host to start from.
	Mounts   []Mount // Persistent directories bound into the workspace.
}

// Output of a command execution inside a workspace.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// Merges override env vars on top of a base env slice.
//
// Entries without an "=" are dropped. The result is sorted.
func MergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	for _, entry := range overrides {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		result = append(result, k+"="+merged[k])
	}
	return result
}
