// Package runtime runs build workspaces as containerd containers.
//
// A [Runtime] connects to a containerd daemon. Images are pulled by
// reference, or imported from OCI archives produced by earlier builds, and
// unpacked for the target platform. [Runtime.Start] creates a container
// with a fresh snapshot, binds persistent cache directories into it, and
// keeps a long-running task so that commands can be attached to it.
//
// Each [Container] supports command execution, tar copies in and out, and
// committing its filesystem changes as a new layer. [Container.Snapshot]
// writes the result as an OCI archive for the layer cache and
// [Container.Export] does the same with the final image config applied.
// Containers should be destroyed when no longer needed to release their
// snapshot and task resources.
//
// The option and result types in this package are shared with the host
// backend in the runtime/host package.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Options{
//	    Address:     "/run/containerd/containerd.sock",
//	    Namespace:   "kiln",
//	    Snapshotter: "overlayfs",
//	})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.Start(ctx, runtime.StartOptions{
//	    ID:       "app-linux-amd64-builder",
//	    Platform: "linux/amd64",
//	    Image:    "rust:1-slim-bookworm",
//	})
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.Exec(ctx, "/bin/sh", "cargo build --release", nil, "/app")
//	if err != nil {
//	    return err
//	}
//
//	err = ctr.Export(ctx, "image.tar", "app:latest", &image.Config{
//	    Entrypoint: []string{"/usr/local/bin/cli"},
//	})
package runtime
