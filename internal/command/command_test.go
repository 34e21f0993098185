package command

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/kilnhq/kiln/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesOutput(t *testing.T) {
	res, err := Exec{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecDirEnvAndStdin(t *testing.T) {
	dir := t.TempDir()
	var stream bytes.Buffer

	res, err := Exec{}.Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", `pwd; echo "$GREETING"; cat`},
		Dir:    dir,
		Env:    []string{"GREETING=hello", "PATH=/usr/bin:/bin"},
		Stdin:  strings.NewReader("piped\n"),
		Stream: &stream,
	})
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], dir)
	assert.Equal(t, "hello", lines[1])
	assert.Equal(t, "piped", lines[2])
	assert.Equal(t, res.Stdout, stream.String())
}

func TestExecDefaultStream(t *testing.T) {
	var stream bytes.Buffer

	res, err := Exec{Stream: &stream}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo built"},
	})
	require.NoError(t, err)
	assert.Equal(t, "built\n", res.Stdout)
	assert.Equal(t, "built\n", stream.String())
}

func TestExecMissingBinary(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), Command{Name: "kiln-test-no-such-binary"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrEnvironment)
	assert.Equal(t, fault.ExitEnvironment, fault.ExitCode(err))
}

func TestExecCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Exec{}.Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	cmd := Command{Name: "cargo", Args: []string{"clippy", "--", "-D", "warnings"}}
	assert.Equal(t, "cargo clippy -- -D warnings", cmd.String())
}
