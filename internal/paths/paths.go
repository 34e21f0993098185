package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/kilnhq/kiln/internal"
)

const (

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644

	// Default name of the project configuration file.
	ConfigFile = "config.yaml"
)

// Path to the directory for runtime files (host-engine workspaces).
//
//	Linux:   $XDG_RUNTIME_DIR/kiln or ~/.cache/kiln/run
//	macOS:   ~/Library/Caches/kiln/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, internal.Name)
	}
	return filepath.Join(xdg.CacheHome, internal.Name, "run")
}

// Root of the build cache.
//
//	Linux:   ~/.cache/kiln
//	macOS:   ~/Library/Caches/kiln
func Cache() string {
	return filepath.Join(xdg.CacheHome, internal.Name)
}

// Root of persistent data (tagged images).
//
//	Linux:   ~/.local/share/kiln
//	macOS:   ~/Library/Application Support/kiln
func Data() string {
	return filepath.Join(xdg.DataHome, internal.Name)
}

// Directory holding layer cache entries below the given cache root.
func Layers(cache string) string {
	return filepath.Join(cache, "layers")
}

// Path to the layer cache index database below the given cache root.
func Index(cache string) string {
	return filepath.Join(cache, "index.db")
}

// Directory holding persistent cache mounts below the given cache root.
func Mounts(cache string) string {
	return filepath.Join(cache, "mounts")
}

// Directory holding the tagged image store below the given data root.
func Images(data string) string {
	return filepath.Join(data, "images")
}

// Directory holding host-engine workspaces below the given runtime root.
func Workspaces(runtime string) string {
	return filepath.Join(runtime, "work")
}
