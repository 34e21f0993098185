package build

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/stage"
)

// Executes a copy operation, transferring files into the workspace.
//
// The copy string has the format "src dest" for host copies, or "stage:src
// dest" for cross-stage copies. Host sources are resolved relative to the
// build context. Cross-stage sources are read from a named stage's
// filesystem. The copied entry is renamed to the base name of dest.
func (p *platformRun) copy(ctx context.Context, ws Workspace, s stage.Step) error {
	src, dest, err := stage.ParseCopy(s.Copy, workdirOf(s))
	if err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	if dir := path.Dir(dest); dir != "/" {
		if err := ws.MkdirAll(ctx, dir); err != nil {
			return fault.Wrap(ErrCopy, err)
		}
	}

	if name, from, ok := stage.ParseStageCopy(src); ok {
		return p.stageCopy(ctx, ws, name, from, dest)
	}

	return p.hostCopy(ctx, ws, src, dest)
}

// Copies a file or directory from the build context into the workspace.
func (p *platformRun) hostCopy(ctx context.Context, ws Workspace, src, dest string) error {
	hostPath, err := archive.SafeJoin(p.run.opts.Root, src)
	if err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	slog.Debug("copy", "src", hostPath, "dest", dest)

	if err := copyHostTree(ctx, ws, hostPath, path.Base(dest), path.Dir(dest), p.run.opts.Exclude); err != nil {
		return fault.Wrap(ErrCopy, err)
	}
	return nil
}

// Streams a host file or directory into destDir under the given name.
//
// An empty name copies the contents of a directory rather than the
// directory itself.
func copyHostTree(ctx context.Context, ws Workspace, hostPath, name, destDir string, ex archive.Excludes) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !info.IsDir() && name == "" {
		name = path.Base(hostPath)
	}

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		var writeErr error

		if info.IsDir() {
			writeErr = archive.WriteDir(tw, hostPath, name, ex)
		} else {
			writeErr = archive.WriteFile(tw, hostPath, name)
		}

		if closeErr := tw.Close(); writeErr == nil {
			writeErr = closeErr
		}
		pw.CloseWithError(writeErr)
	}()

	err = ws.CopyTo(ctx, pr, destDir)
	pr.CloseWithError(err)
	return err
}

// Copies a path from a named stage into the workspace.
//
// The tar stream is piped from the source workspace through a renaming
// filter into the target workspace.
func (p *platformRun) stageCopy(ctx context.Context, ws Workspace, name, from, dest string) error {
	source, ok := p.stages[name]
	if !ok {
		return fault.Wrapf(ErrCopy, "unknown stage %q", name)
	}

	srcWs, err := source.workspace(ctx)
	if err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	slog.Debug("cross-stage copy", "stage", name, "src", from, "dest", dest)

	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		err := srcWs.CopyFrom(ctx, pw, from)
		pw.CloseWithError(err)
		errc <- err
	}()

	rr, rw := io.Pipe()
	go func() {
		err := renameTar(pr, rw, path.Base(from), path.Base(dest))
		pr.CloseWithError(err)
		rw.CloseWithError(err)
	}()

	copyErr := ws.CopyTo(ctx, rr, path.Dir(dest))
	rr.CloseWithError(copyErr)
	srcErr := <-errc

	if err := errors.Join(copyErr, srcErr); err != nil {
		return fault.Wrap(ErrCopy, err)
	}
	return nil
}

// Copies a tar stream, renaming the top-level entry from to to.
//
// The rest of the input is drained so the producer never blocks on a
// short read.
func renameTar(r io.Reader, w io.Writer, from, to string) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)

	rename := func(name string) string {
		trimmed := strings.TrimPrefix(name, "./")
		switch {
		case trimmed == from, trimmed == from+"/":
			return to + strings.TrimPrefix(trimmed, from)
		case strings.HasPrefix(trimmed, from+"/"):
			return to + strings.TrimPrefix(trimmed, from)
		}
		return name
	}

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		header.Name = rename(header.Name)
		if header.Typeflag == tar.TypeLink {
			header.Linkname = rename(header.Linkname)
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

// Returns a tar stream holding a single regular file.
func tarFile(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Returns the contents of the first regular file in a tar stream.
func readTarFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}
