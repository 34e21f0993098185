// Package manifest reads Cargo manifests and lock files.
//
// A project is a tree of Cargo.toml files rooted at the build context.
// [Discover] finds them while skipping build output and hidden directories,
// [Load] parses one into a generic TOML document, and [Manifest.Targets]
// lists the source files Cargo would compile for it, following Cargo's
// auto-discovery rules plus any explicit target tables.
//
// Version masking rewrites the version of every workspace-local package to
// a fixed placeholder, both in manifests and in Cargo.lock. Bumping a local
// crate's version then leaves the masked documents, and anything keyed on
// them, unchanged.
package manifest
