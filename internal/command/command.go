package command

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kilnhq/kiln/internal/fault"
)

// A process to run.
type Command struct {
	Name   string    // Executable, looked up in PATH.
	Args   []string  // Arguments.
	Dir    string    // Working directory, empty for the current one.
	Env    []string  // Environment in "key=value" form, nil to inherit.
	Stdin  io.Reader // Optional standard input.
	Stream io.Writer // Optional writer receiving stdout and stderr as they are produced.
}

// Returns the command line for logging.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Outcome of a finished process.
type Result struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// Runs commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Runs commands as host processes.
type Exec struct {
	Stream io.Writer // Receives the output of commands that set no stream of their own.
}

// Runs cmd and waits for it to exit.
func (e Exec) Run(ctx context.Context, cmd Command) (*Result, error) {
	var stdout, stderr bytes.Buffer

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Stdin = cmd.Stdin
	c.Stdout = &stdout
	c.Stderr = &stderr
	stream := cmd.Stream
	if stream == nil {
		stream = e.Stream
	}
	if stream != nil {
		c.Stdout = io.MultiWriter(&stdout, stream)
		c.Stderr = io.MultiWriter(&stderr, stream)
	}

	slog.Debug("exec", "command", cmd.String(), "dir", cmd.Dir)

	err := c.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return &Result{ExitCode: exitErr.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}, nil
	case errors.Is(err, exec.ErrNotFound):
		return nil, fault.Wrapf(fault.ErrEnvironment, "%s: %w", cmd.Name, err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, err
	}

	return &Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
