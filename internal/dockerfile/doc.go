// Package dockerfile renders stage pipelines as multi-stage Dockerfiles and
// drives docker builds from them.
//
// Each stage becomes a FROM block. Modifiers become WORKDIR, ENV and SHELL
// instructions, cache mounts become RUN --mount=type=cache flags, and the
// planning and cooking steps are delegated to the configured planner tool
// (cargo-chef by default). Every stage declares ARG BUILDKIT_INLINE_CACHE
// so an inline cache can be embedded with a build argument.
//
// Example usage:
//
//	files, err := dockerfile.Write(cfg, ".", false)
//	if err != nil {
//	    return err
//	}
//
//	b := dockerfile.Builder{Runner: command.Exec{}, Config: cfg}
//	ref, err := b.Build(ctx, config.ProfileRelease, dockerfile.BuildOptions{InlineCache: true})
package dockerfile
