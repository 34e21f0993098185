package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	}
}

func TestExcludesMatch(t *testing.T) {
	ex := Excludes{"target", ".git/", "*.log", "docs/generated"}

	tests := []struct {
		rel  string
		want bool
	}{
		{"target", true},
		{"target/release/cli", true},
		{".git/HEAD", true},
		{"build.log", true},
		{"nested/debug.log", true},
		{"docs/generated/api.md", true},
		{"docs/guide.md", false},
		{"src/main.rs", false},
		{"targets.rs", false},
		{".", false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, ex.Match(tt.rel))
		})
	}
}

func TestWriteDirExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"Cargo.toml":         "[package]\nname = \"app\"\n",
		"src/main.rs":        "fn main() {}\n",
		"target/debug/stale": "junk",
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "src/main.rs"), 0755))
	require.NoError(t, os.Symlink("main.rs", filepath.Join(src, "src/link.rs")))

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, WriteDir(tw, src, "app", Excludes{"target"}))
	require.NoError(t, tw.Close())

	dest := t.TempDir()
	require.NoError(t, Extract(&buf, dest))

	got, err := os.ReadFile(filepath.Join(dest, "app/src/main.rs"))
	require.NoError(t, err)
	assert.Equal(t, "fn main() {}\n", string(got))

	info, err := os.Stat(filepath.Join(dest, "app/src/main.rs"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0100)

	link, err := os.Readlink(filepath.Join(dest, "app/src/link.rs"))
	require.NoError(t, err)
	assert.Equal(t, "main.rs", link)

	assert.NoFileExists(t, filepath.Join(dest, "app/target/debug/stale"))
}

func TestExtractRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	err = Extract(&buf, t.TempDir())
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestSafeJoin(t *testing.T) {
	got, err := SafeJoin("/root", "/usr/local/bin/cli")
	require.NoError(t, err)
	assert.Equal(t, "/root/usr/local/bin/cli", got)

	got, err = SafeJoin("/root", "a/../b")
	require.NoError(t, err)
	assert.Equal(t, "/root/b", got)

	_, err = SafeJoin("/root", "a/../../b")
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestDigestTreeIgnoresTimestamps(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.txt": "one", "sub/b.txt": "two"})

	before, err := DigestTree(dir, nil)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.txt"), later, later))

	after, err := DigestTree(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDigestTreeDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.txt": "one", "target/x": "build output"})

	base, err := DigestTree(dir, Excludes{"target"})
	require.NoError(t, err)

	// Excluded paths do not contribute.
	writeTree(t, dir, map[string]string{"target/x": "different"})
	same, err := DigestTree(dir, Excludes{"target"})
	require.NoError(t, err)
	assert.Equal(t, base, same)

	writeTree(t, dir, map[string]string{"a.txt": "changed"})
	changed, err := DigestTree(dir, Excludes{"target"})
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)

	require.NoError(t, os.Chmod(filepath.Join(dir, "a.txt"), 0755))
	exec, err := DigestTree(dir, Excludes{"target"})
	require.NoError(t, err)
	assert.NotEqual(t, changed, exec)
}

func TestDigestTarOrderIndependent(t *testing.T) {
	build := func(names ...string) *bytes.Buffer {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		for i, name := range names {
			body := []byte(name)
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     name,
				Mode:     0644,
				Size:     int64(len(body)),
				ModTime:  time.Unix(int64(i), 0),
				Typeflag: tar.TypeReg,
			}))
			_, err := tw.Write(body)
			require.NoError(t, err)
		}
		require.NoError(t, tw.Close())
		return &buf
	}

	a, err := DigestTar(build("x", "y"))
	require.NoError(t, err)
	b, err := DigestTar(build("y", "x"))
	require.NoError(t, err)
	c, err := DigestTar(build("x", "z"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestApplyWhiteouts(t *testing.T) {
	dest := t.TempDir()
	writeTree(t, dest, map[string]string{
		"etc/keep":      "keep",
		"etc/drop":      "drop",
		"var/cache/a":   "a",
		"var/cache/b":   "b",
		"usr/bin/stale": "stale",
	})

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, h := range []*tar.Header{
		{Name: "etc/.wh.drop", Typeflag: tar.TypeReg, Mode: 0644},
		{Name: "var/cache/.wh..wh..opq", Typeflag: tar.TypeReg, Mode: 0644},
		{Name: "var/cache/c", Typeflag: tar.TypeReg, Mode: 0644, Size: 1},
	} {
		require.NoError(t, tw.WriteHeader(h))
		if h.Size > 0 {
			_, err := tw.Write([]byte("c"))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	require.NoError(t, Apply(&buf, dest))

	assert.FileExists(t, filepath.Join(dest, "etc/keep"))
	assert.NoFileExists(t, filepath.Join(dest, "etc/drop"))
	assert.NoFileExists(t, filepath.Join(dest, "var/cache/a"))
	assert.NoFileExists(t, filepath.Join(dest, "var/cache/b"))
	assert.FileExists(t, filepath.Join(dest, "var/cache/c"))
	assert.FileExists(t, filepath.Join(dest, "usr/bin/stale"))
}
