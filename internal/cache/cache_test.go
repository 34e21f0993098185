package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStep struct {
	Run string            `json:"run,omitempty"`
	Env map[string]string `json:"env,omitempty"`
}

func TestRootKey(t *testing.T) {
	a := RootKey("host", "linux/amd64", "scratch")
	assert.Equal(t, a, RootKey("host", "linux/amd64", "scratch"))
	assert.NotEqual(t, a, RootKey("containerd", "linux/amd64", "scratch"))
	assert.NotEqual(t, a, RootKey("host", "linux/arm64", "scratch"))
	assert.NotEqual(t, a, RootKey("host", "linux/amd64", "sha256:abc"))

	// Fields are length-prefixed, so shifting bytes between them changes the key.
	assert.NotEqual(t, RootKey("ab", "c", ""), RootKey("a", "bc", ""))
}

func TestStepKey(t *testing.T) {
	root := RootKey("host", "linux/amd64", "scratch")

	k1, err := StepKey(root, testStep{Run: "cargo build", Env: map[string]string{"A": "1", "B": "2"}}, "")
	require.NoError(t, err)

	same, err := StepKey(root, testStep{Run: "cargo build", Env: map[string]string{"B": "2", "A": "1"}}, "")
	require.NoError(t, err)
	assert.Equal(t, k1, same)

	otherRun, err := StepKey(root, testStep{Run: "cargo build --release"}, "")
	require.NoError(t, err)
	assert.NotEqual(t, k1, otherRun)

	otherInput, err := StepKey(root, testStep{Run: "cargo build", Env: map[string]string{"A": "1", "B": "2"}}, digest.FromString("src"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, otherInput)

	otherParent, err := StepKey(RootKey("host", "linux/arm64", "scratch"), testStep{Run: "cargo build", Env: map[string]string{"A": "1", "B": "2"}}, "")
	require.NoError(t, err)
	assert.NotEqual(t, k1, otherParent)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeLayer(content string) func(string) error {
	return func(path string) error {
		return os.WriteFile(path, []byte(content), 0644)
	}
}

func TestPutLookup(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	key := digest.FromString("step")

	_, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	path, err := s.Put(ctx, Entry{Key: key, Stage: "builder", Step: "run cargo build"}, writeLayer("layer"))
	require.NoError(t, err)

	got, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, got)

	b, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "layer", string(b))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "builder", entries[0].Stage)
	assert.Equal(t, int64(5), entries[0].Size)
}

func TestPutFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	key := digest.FromString("broken")

	_, err := s.Put(ctx, Entry{Key: key}, func(string) error { return assert.AnError })
	require.ErrorIs(t, err, assert.AnError)

	_, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	hex := key.Encoded()
	entries, err := os.ReadDir(filepath.Join(s.dir, "layers", hex[:2]))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentPutSameKey(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	key := digest.FromString("shared")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Put(ctx, Entry{Key: key}, writeLayer("same"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	path, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "same", string(b))
}

func TestLookupDropsMissingFile(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	key := digest.FromString("gone")

	path, err := s.Put(ctx, Entry{Key: key}, writeLayer("x"))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Dir(path)))

	_, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	now := time.Now()
	clock := now
	s.now = func() time.Time { return clock }

	old := digest.FromString("old")
	mid := digest.FromString("mid")
	fresh := digest.FromString("fresh")

	clock = now.Add(-48 * time.Hour)
	_, err := s.Put(ctx, Entry{Key: old}, writeLayer("0123456789"))
	require.NoError(t, err)

	clock = now.Add(-2 * time.Hour)
	_, err = s.Put(ctx, Entry{Key: mid}, writeLayer("0123456789"))
	require.NoError(t, err)

	clock = now
	_, err = s.Put(ctx, Entry{Key: fresh}, writeLayer("0123456789"))
	require.NoError(t, err)

	result, err := s.Prune(ctx, PruneOptions{OlderThan: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, int64(10), result.Freed)

	result, err = s.Prune(ctx, PruneOptions{MaxBytes: 15})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	_, ok, err := s.Lookup(ctx, mid)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Lookup(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCopyDigest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	source := digest.FromString("builder-final")

	_, ok, err := s.CopyDigest(ctx, source, "/app/target/release/cli")
	require.NoError(t, err)
	assert.False(t, ok)

	want := digest.FromString("binary")
	require.NoError(t, s.RecordCopy(ctx, source, "/app/target/release/cli", want))

	got, ok, err := s.CopyDigest(ctx, source, "/app/target/release/cli")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}
