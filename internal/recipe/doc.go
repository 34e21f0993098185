// Package recipe plans and materializes dependency recipes.
//
// A recipe captures everything Cargo needs to resolve and compile a
// project's external dependencies and nothing of the project's own code:
// the masked manifests, the masked lock file, the cargo config and
// toolchain files, and the list of target root files. Materializing a
// recipe writes those files plus an empty stand-in for every target, which
// is enough for "cargo build" to compile all dependencies.
//
// Recipes serialize to canonical JSON. Planning the same manifests always
// produces byte-identical output, so the digest of a recipe can key the
// dependency layer: it changes when a dependency changes and stays put when
// only source files do.
//
// Example usage:
//
//	r, err := recipe.Plan(".")
//	if err != nil {
//	    return err
//	}
//	if err := r.Save("recipe.json"); err != nil {
//	    return err
//	}
//
//	// Later, in an empty directory:
//	r, err = recipe.Load("recipe.json")
//	if err != nil {
//	    return err
//	}
//	if err := r.Materialize("skeleton"); err != nil {
//	    return err
//	}
package recipe
