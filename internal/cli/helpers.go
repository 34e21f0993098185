package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/kilnhq/kiln/internal"
	"github.com/kilnhq/kiln/internal/build"
	"github.com/kilnhq/kiln/internal/cache"
	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/image"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/runtime"
	"github.com/kilnhq/kiln/internal/runtime/host"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Destination of command output. Logs go to stderr.
var stdout io.Writer = os.Stdout

var title = cases.Title(language.English)

// Loads the configuration named by --config, logging unknown keys.
func loadConfig() (*config.Config, error) {
	cfg, warnings, err := config.Load(RootCmd.ConfigPath)
	for _, w := range warnings {
		slog.Warn("ignoring configuration key", "path", RootCmd.ConfigPath, "detail", w)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Returns the layer cache root.
func cacheDir() string {
	if RootCmd.CacheDir != "" {
		return RootCmd.CacheDir
	}
	return paths.Cache()
}

// Returns the persistent data root.
func dataDir() string {
	if RootCmd.DataDir != "" {
		return RootCmd.DataDir
	}
	return paths.Data()
}

// Opens the layer cache.
func openCache() (*cache.Store, error) {
	return cache.Open(cacheDir())
}

// Returns the local image store.
func imageStore() *image.Store {
	return image.NewStore(paths.Images(dataDir()))
}

// Returns where external tool output is streamed, nil unless verbose.
func toolStream() io.Writer {
	if internal.IsVerbose() {
		return os.Stderr
	}
	return nil
}

// Returns the engine to build with, preferring an explicit override.
func selectEngine(cfg *config.Config, override string) (config.Engine, error) {
	if override == "" {
		return cfg.Build.Engine, nil
	}
	switch e := config.Engine(override); e {
	case config.EngineHost, config.EngineContainerd, config.EngineDocker:
		return e, nil
	default:
		return "", fault.Wrapf(fault.ErrConfig, "unknown engine %q (want host, containerd or docker)", override)
	}
}

// Connects the build backend for an engine. The returned function releases
// it.
func openBackend(cfg *config.Config, engine config.Engine) (build.Backend, func(), error) {
	switch engine {
	case config.EngineContainerd:
		rt, err := runtime.New(runtime.Options{
			Address:     cfg.Containerd.Address,
			Namespace:   cfg.Containerd.Namespace,
			Snapshotter: cfg.Containerd.Snapshotter,
			Stream:      toolStream(),
		})
		if err != nil {
			return nil, nil, err
		}
		return build.Containerd(rt), func() { rt.Close() }, nil
	case config.EngineHost:
		h := host.New(paths.Workspaces(paths.Runtime()), command.Exec{Stream: toolStream()})
		return build.Host(h), func() {}, nil
	default:
		return nil, nil, fault.Wrapf(fault.ErrConfig, "engine %q has no workspace backend", engine)
	}
}

// Formats a byte count with a binary unit, e.g. "1.5 KiB".
func formatSize(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}

// Returns the first 12 hex characters of a digest string.
func shortDigest(d string) string {
	if i := len("sha256:"); len(d) > i+12 {
		return d[i : i+12]
	}
	return d
}
