// Package host runs build workspaces as plain directories on the host.
//
// Each [Workspace] is a directory standing in for a container root
// filesystem. Absolute paths used by steps (working directories, copy
// destinations) are rebased below it, and commands run through the
// configured shell with the rebased working directory and KILN_ROOT set
// to the workspace root. Tools come from the host, so only the scratch
// image can be used as a source; archives produced by earlier snapshots
// are unpacked into the workspace. Snapshots and exports are written as
// single-layer OCI archives.
//
// Persistent mounts are symlinks from the rebased target to the host
// directory, so snapshots record the link and not the cached content.
//
// Example usage:
//
//	h := host.New(paths.Workspaces(paths.Runtime()), command.Exec{})
//	ws, err := h.Start(ctx, runtime.StartOptions{
//	    ID:       "app-linux-amd64-builder",
//	    Platform: "linux/amd64",
//	    Image:    stage.Scratch,
//	})
//	if err != nil {
//	    return err
//	}
//	defer ws.Destroy(ctx)
//
//	res, err := ws.Exec(ctx, "/bin/sh", "cargo build", nil, "/app")
package host
