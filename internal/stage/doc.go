// Package stage models the layered build pipeline.
//
// A [Pipeline] is a set of named stages. Each [Stage] starts from a
// [Source] (an image, another stage, or an OCI archive) and applies an
// ordered list of steps. A [Step] is either an operation (run a command,
// copy files, plan the dependency recipe, cook the recipe skeleton) or a
// modifier that changes the shell, working directory, or environment for
// the steps that follow. Modifiers set on an operation apply to that
// operation only. Nested steps form groups whose modifiers persist.
//
// Stages depend on each other through their source and through cross-stage
// copies of the form "stage:path dest". [Graph] turns these dependencies
// into a DAG and [Levels] groups it into generations that can run
// concurrently. [Default] returns the four-stage pipeline (base, planner,
// builder, runtime) for a profile.
//
// Example usage:
//
//	p, err := stage.Default(cfg, config.ProfileRelease)
//	if err != nil {
//	    return err
//	}
//	g, err := stage.Graph(p)
//	if err != nil {
//	    return err
//	}
//	levels, err := stage.Levels(g)
package stage
