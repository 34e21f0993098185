package fault

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test failed")

func TestWrap(t *testing.T) {
	err := Wrap(errTest, fs.ErrNotExist)

	require.Error(t, err)
	assert.ErrorIs(t, err, errTest)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, "test failed: file does not exist", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(errTest, nil))
}

func TestWrapf(t *testing.T) {
	err := Wrapf(errTest, "stage %q: %w", "builder", fs.ErrPermission)

	assert.ErrorIs(t, err, errTest)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, `test failed: stage "builder": permission denied`, err.Error())
}

func TestStackTrace(t *testing.T) {
	err := Wrap(errTest, fs.ErrClosed)

	ke, ok := err.(*kindError)
	require.True(t, ok)
	assert.NotEmpty(t, ke.StackTrace())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"generic", errTest, ExitFailure},
		{"config", Wrap(ErrConfig, errTest), ExitConfig},
		{"environment", Wrapf(ErrEnvironment, "docker not found"), ExitEnvironment},
		{"nested config", fmt.Errorf("load: %w", Wrap(ErrConfig, errTest)), ExitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestStack(t *testing.T) {
	err := Wrap(errTest, fs.ErrNotExist)
	assert.Contains(t, Stack(err), "TestStack")
	assert.Empty(t, Stack(errTest))
}
