package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0755))
	}
}

func writeArchive(t *testing.T, ref string, cfg Config, layers ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, Write(f, ref, "linux/amd64", cfg, layers...))
	return path
}

func TestWriteUnpackRoundTrip(t *testing.T) {
	lower := t.TempDir()
	writeFiles(t, lower, map[string]string{
		"usr/local/bin/cli": "binary",
		"etc/motd":          "hello",
	})
	upper := t.TempDir()
	writeFiles(t, upper, map[string]string{"etc/motd": "replaced"})

	cfg := Config{
		Entrypoint: []string{"/usr/local/bin/cli"},
		Env:        []string{"PATH=/usr/local/bin:/usr/bin"},
		WorkingDir: "/app",
	}
	path := writeArchive(t, "app:latest", cfg, lower, upper)

	dest := t.TempDir()
	config, err := Unpack(path, dest, "linux/amd64")
	require.NoError(t, err)

	assert.Equal(t, []string{"/usr/local/bin/cli"}, config.Config.Entrypoint)
	assert.Empty(t, config.Config.Cmd)
	assert.Equal(t, "/app", config.Config.WorkingDir)
	assert.Equal(t, "amd64", config.Architecture)
	assert.Len(t, config.RootFS.DiffIDs, 2)

	b, err := os.ReadFile(filepath.Join(dest, "usr/local/bin/cli"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(b))

	b, err = os.ReadFile(filepath.Join(dest, "etc/motd"))
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(b))
}

func TestWriteIsDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"bin/cli": "x"})

	cfg := Config{Entrypoint: []string{"/bin/cli"}}
	a, err := os.ReadFile(writeArchive(t, "app:1", cfg, root))
	require.NoError(t, err)
	b, err := os.ReadFile(writeArchive(t, "app:1", cfg, root))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestInspect(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"bin/cli": "x"})
	path := writeArchive(t, "app:debug", Config{Entrypoint: []string{"/bin/cli"}}, root)

	config, err := Inspect(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/cli"}, config.Config.Entrypoint)
}

func TestUnpackInvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.tar")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := Unpack(path, t.TempDir(), "")
	assert.ErrorIs(t, err, ErrInvalidArchive)
}

func TestStore(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"bin/cli": "x"})
	archive := writeArchive(t, "app:latest", Config{}, root)

	s := NewStore(t.TempDir())

	img, err := s.Put("app:latest", "linux/amd64", archive)
	require.NoError(t, err)
	assert.Equal(t, "app:latest", img.Ref)
	assert.NotEmpty(t, img.Digest)

	got, path, err := s.Get("app:latest", "")
	require.NoError(t, err)
	assert.Equal(t, img.Digest, got.Digest)
	assert.FileExists(t, path)

	_, err = s.Put("app:debug", "linux/amd64", archive)
	require.NoError(t, err)

	images, err := s.List()
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "app:debug", images[0].Ref)
	assert.Equal(t, "app:latest", images[1].Ref)

	require.NoError(t, s.Remove("app:latest", ""))
	require.NoError(t, s.Remove("app:debug", ""))

	_, _, err = s.Get("app:latest", "")
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.NoFileExists(t, path)

	assert.ErrorIs(t, s.Remove("app:latest", ""), ErrImageNotFound)
}

func TestStoreConcurrentWriters(t *testing.T) {
	dir := t.TempDir()

	archives := make([]string, 2)
	for i := range archives {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"bin/cli": fmt.Sprint(i)})
		archives[i] = writeArchive(t, "app:latest", Config{}, root)
	}

	for n := 0; n < 20; n++ {
		var wg sync.WaitGroup
		errs := make([]error, len(archives))
		for i, archive := range archives {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = NewStore(dir).Put(fmt.Sprintf("app:v%d", i), "linux/amd64", archive)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		images, err := NewStore(dir).List()
		require.NoError(t, err)
		require.Len(t, images, 2)
		for _, img := range images {
			_, path, err := NewStore(dir).Get(img.Ref, img.Platform)
			require.NoError(t, err)
			require.FileExists(t, path, "iteration %d, ref %s", n, img.Ref)
		}
	}
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		ref     string
		wantErr bool
	}{
		{"app", false},
		{"app:latest", false},
		{"registry.local:5000/team/app:debug", false},
		{"registry.local:5000/team/app", false},
		{"", true},
		{"app:", true},
		{":tag", true},
		{"has space:1", true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			err := ValidateRef(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			assert.NoError(t, err)
		})
	}
}
