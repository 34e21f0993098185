// Package build executes stage pipelines against a workspace backend.
//
// A pipeline is a set of named stages forming a dependency graph. Stages
// are built level by level, stages on the same level concurrently, each in
// a workspace started from its source: an image, an archive, or the
// filesystem of another stage. Steps are flattened into operations (shell
// commands, file copies, recipe planning and cooking) with their modifiers
// resolved, and the final non-transient stage is exported as an OCI image.
// Multi-platform builds repeat the pipeline per platform, writing each
// result to a platform-specific output directory.
//
// Every operation is keyed by the key before it, its resolved form, and
// the digest of any content it reads from outside the workspace. When a
// layer cache is configured each executed operation stores a snapshot
// under its key, and a rebuild resumes from the last operation whose
// snapshot is stored. Cache mount contents never take part in keys.
//
// Workspaces are provided by a [Backend]: containerd containers through
// the runtime package, or plain directories through runtime/host.
//
// Example usage:
//
//	result, err := build.Run(ctx, build.Host(h), build.Options{
//	    Pipeline:  pipeline,
//	    Project:   "cli",
//	    Root:      ".",
//	    Output:    "dist/debug",
//	    Tag:       "cli:debug",
//	    Cache:     store,
//	    Platforms: []string{"linux/amd64"},
//	})
//	if err != nil {
//	    return err
//	}
package build
