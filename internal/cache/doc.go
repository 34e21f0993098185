// Package cache stores build layers under chained content keys.
//
// Every step of a stage has a key derived from the key of the step before
// it, the step definition itself, and a digest of whatever content the step
// reads from outside the workspace:
//
//	k0 = H(engine, platform, source identity)
//	ki = H(k(i-1), step, input digest)
//
// Because the chain starts at the stage's source, a change anywhere
// upstream changes every key below it, while a change in content that a
// step never reads leaves its key alone. That is what keeps dependency
// layers cached across source-only edits.
//
// Layers are stored as image archives under
// layers/<first two hex digits>/<hex>/image.tar. Each entry is written into
// a temporary directory next to its final location and renamed into place,
// so a crash never leaves a partial entry behind and two builds writing the
// same key cannot corrupt each other. A SQLite index next to the layers
// records what produced each entry and when it was last used, which drives
// listing and pruning.
//
// Example usage:
//
//	store, err := cache.Open(paths.Cache())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	key := cache.RootKey("containerd", "linux/amd64", "sha256:...")
//	if path, ok, err := store.Lookup(ctx, key); err == nil && ok {
//	    // Start from the cached layer at path.
//	}
package cache
