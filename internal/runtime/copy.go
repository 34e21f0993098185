package runtime

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/kilnhq/kiln/internal/fault"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.tool(ctx, nil, nil, "mkdir", "-p", dir)
}

// Extracts a tar stream into destDir inside the container.
//
// The image must provide tar.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.tool(ctx, r, nil, "tar", "-x", "-f", "-", "-C", destDir)
}

// Writes the entry at p, under its base name, to w as a tar stream.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	p = path.Clean("/" + p)
	return c.tool(ctx, nil, w, "tar", "-c", "-f", "-", "-C", path.Dir(p), path.Base(p))
}

// Runs a utility from the image. A non-zero exit is an error carrying its
// stderr.
func (c *Container) tool(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	var stderr bytes.Buffer
	code, err := c.run(ctx, process{args: args, stdin: stdin, stdout: stdout, stderr: &stderr})
	if err != nil {
		return err
	}
	if code != 0 {
		return fault.Wrapf(ErrRuntime, "%s exited with code %d: %s", strings.Join(args, " "), code, strings.TrimSpace(stderr.String()))
	}
	return nil
}
