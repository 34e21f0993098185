package runtime

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/kilnhq/kiln/internal/fault"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Sequence of exec process identifiers.
var execSeq atomic.Uint64

// Returns a process identifier unique within this process.
func nextExecID() string {
	return "kiln-exec-" + strconv.FormatUint(execSeq.Add(1), 10)
}

// A process to run in the container's task.
type process struct {
	args    []string  // Command and arguments.
	env     []string  // Overrides of the container environment.
	workdir string    // Working directory, empty for the container default.
	stdin   io.Reader // Optional input.
	stdout  io.Writer // Optional output.
	stderr  io.Writer // Optional error output.
}

// Runs command through shell inside the container.
//
// Env and workdir apply to this command only. A non-zero exit code is
// reported in the result, not as an error.
func (c *Container) Exec(ctx context.Context, shell, command string, env []string, workdir string) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.run(ctx, process{
		args:    []string{shell, "-c", command},
		env:     env,
		workdir: workdir,
		stdout:  c.tee(&stdout),
		stderr:  c.tee(&stderr),
	})
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Returns w, also copying to the container stream when one is set.
func (c *Container) tee(w io.Writer) io.Writer {
	if c.stream == nil {
		return w
	}
	return io.MultiWriter(w, c.stream)
}

// Runs p in the container's task and returns its exit code.
func (c *Container) run(ctx context.Context, p process) (int, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return 0, fault.Wrap(ErrRuntime, err)
	}

	spec, err := p.spec(ctx, ctr)
	if err != nil {
		return 0, fault.Wrap(ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return 0, fault.Wrap(ErrRuntime, err)
	}

	stdin, stdinDone := watchEOF(p.stdin)
	proc, err := task.Exec(ctx, nextExecID(), spec, cio.NewCreator(
		cio.WithStreams(stdin, orDiscard(p.stdout), orDiscard(p.stderr)),
	))
	if err != nil {
		return 0, fault.Wrap(ErrRuntime, err)
	}

	return wait(ctx, proc, stdinDone)
}

// Returns the process spec of p, based on the container's own spec.
func (p process) spec(ctx context.Context, ctr containerd.Container) (*specs.Process, error) {
	s, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	proc := *s.Process
	proc.Terminal = false
	proc.Args = p.args
	if len(p.env) > 0 {
		proc.Env = MergeEnv(proc.Env, p.env)
	}
	if p.workdir != "" {
		proc.Cwd = p.workdir
	}
	return &proc, nil
}

// Starts proc, waits for it to exit and deletes it.
//
// The shim holds both ends of the stdin FIFO, so stdin is closed
// explicitly once stdinDone is closed. A cancelled context kills the
// process.
func wait(ctx context.Context, proc containerd.Process, stdinDone <-chan struct{}) (int, error) {
	cleanup := context.WithoutCancel(ctx)

	statusC, err := proc.Wait(ctx)
	if err == nil {
		err = proc.Start(ctx)
	}
	if err != nil {
		proc.Delete(cleanup)
		return 0, fault.Wrap(ErrRuntime, err)
	}

	if stdinDone != nil {
		go func() {
			select {
			case <-stdinDone:
				proc.CloseIO(cleanup, containerd.WithStdinCloser)
			case <-ctx.Done():
			}
		}()
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		proc.Kill(cleanup, syscall.SIGKILL)
		proc.Delete(cleanup)
		return 0, ctx.Err()
	}
	proc.Delete(cleanup)

	code, _, err := status.Result()
	if err != nil {
		return 0, fault.Wrap(ErrRuntime, err)
	}
	return int(code), nil
}

// Wraps r so that the returned channel is closed at the first io.EOF.
// Returns nil for both when r is nil.
func watchEOF(r io.Reader) (io.Reader, <-chan struct{}) {
	if r == nil {
		return nil, nil
	}
	e := &eofReader{r: r, done: make(chan struct{})}
	return e, e.done
}

type eofReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(func() { close(e.done) })
	}
	return n, err
}

// Returns w, or io.Discard when w is nil.
func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
