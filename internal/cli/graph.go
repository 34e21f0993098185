package cli

import (
	"context"
	"log/slog"

	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/build"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/stage"
)

// Represents the 'kiln graph' command.
type GraphCmd struct {
	Profile  string `arg:"" optional:"" default:"debug" enum:"debug,release" help:"Build profile (debug or release)."`
	Engine   string `short:"e" placeholder:"ENGINE" help:"Override the configured engine."`
	NoStatus bool   `help:"Skip the cache lookup and render every stage as pending. The lookup never pulls images."`
}

// Executes the graph command.
//
// Stage colours come from a dry run against the layer cache. The dry run
// never pulls: stages whose base image is not present yet are pending. The
// docker engine keeps no layer cache of its own, so its stages are always
// pending.
func (c *GraphCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	engine, err := selectEngine(cfg, c.Engine)
	if err != nil {
		return err
	}

	profile := config.Profile(c.Profile)
	p, err := stage.ForEngine(cfg, profile, engine)
	if err != nil {
		return err
	}

	var status map[string]stage.Status
	if !c.NoStatus && engine != config.EngineDocker {
		status, err = c.status(ctx, cfg, p, engine)
		if err != nil {
			slog.Warn("cache status unavailable", "error", err)
		}
	}

	return stage.DOT(p, status, stdout)
}

// Returns the cache status of each stage from a dry run.
func (c *GraphCmd) status(ctx context.Context, cfg *config.Config, p *stage.Pipeline, engine config.Engine) (map[string]stage.Status, error) {
	store, err := openCache()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	backend, release, err := openBackend(cfg, engine)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := build.Run(ctx, backend, build.Options{
		Pipeline:  p,
		Project:   cfg.Project.Name,
		Root:      cfg.ProjectRoot(),
		Exclude:   archive.Excludes(cfg.Build.Exclude),
		Shell:     cfg.Build.Shell,
		Platforms: cfg.TargetPlatforms(),
		Cache:     store,
		DryRun:    true,
	})
	if err != nil {
		return nil, err
	}
	return result.Statuses(), nil
}
