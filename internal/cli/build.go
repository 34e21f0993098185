package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/kilnhq/kiln/internal"
	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/build"
	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/dockerfile"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/stage"
)

// Represents the 'kiln build' command.
type BuildCmd struct {
	Profile     string `arg:"" enum:"debug,release" help:"Build profile (debug or release)."`
	Engine      string `short:"e" placeholder:"ENGINE" help:"Override the configured engine (host, containerd or docker)."`
	InlineCache bool   `help:"Embed cache metadata in the image (docker engine)."`
	NoCache     bool   `help:"Ignore stored layers. New layers are still recorded."`
	DryRun      bool   `help:"Report cached and pending stages without building."`
	Tag         string `short:"t" placeholder:"REF" help:"Image reference. Defaults to the configured repository and tag."`
}

// Executes the build command.
//
// The docker engine delegates to docker build with the rendered Dockerfile.
// Other engines run the pipeline through the layer cache and store the
// resulting image under the tag.
func (c *BuildCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	engine, err := selectEngine(cfg, c.Engine)
	if err != nil {
		return err
	}

	profile := config.Profile(c.Profile)
	tag := c.Tag
	if tag == "" {
		tag = cfg.Image(profile)
	}

	if engine == config.EngineDocker {
		return c.docker(ctx, cfg, profile, tag)
	}

	p, err := stage.ForEngine(cfg, profile, engine)
	if err != nil {
		return err
	}

	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	backend, release, err := openBackend(cfg, engine)
	if err != nil {
		return err
	}
	defer release()

	root := cfg.ProjectRoot()
	result, err := build.Run(ctx, backend, build.Options{
		Pipeline:  p,
		Project:   cfg.Project.Name,
		Root:      root,
		Exclude:   archive.Excludes(cfg.Build.Exclude),
		Shell:     cfg.Build.Shell,
		Output:    filepath.Join(root, "target", internal.Name, string(profile)),
		Tag:       tag,
		Labels:    imageLabels(cfg, profile),
		Platforms: cfg.TargetPlatforms(),
		Cache:     store,
		Images:    imageStore(),
		MountRoot: paths.Mounts(cacheDir()),
		NoCache:   c.NoCache,
		DryRun:    c.DryRun,
	})
	if result != nil {
		printStages(p, result)
	}
	if err != nil {
		return err
	}

	if result.Image != "" {
		fmt.Fprintln(stdout, result.Image)
	}
	return nil
}

// Builds with docker, or prints the Dockerfile in a dry run.
func (c *BuildCmd) docker(ctx context.Context, cfg *config.Config, profile config.Profile, tag string) error {
	if c.DryRun {
		b, err := dockerfile.Generate(cfg, profile)
		if err != nil {
			return err
		}
		_, err = stdout.Write(b)
		return err
	}

	b := dockerfile.Builder{
		Runner: command.Exec{},
		Config: cfg,
		Stream: toolStream(),
	}
	ref, err := b.Build(ctx, profile, dockerfile.BuildOptions{
		Tag:         tag,
		InlineCache: c.InlineCache || cfg.Build.InlineCache,
		NoCache:     c.NoCache,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, ref)
	return nil
}

// Returns the labels set on the final image.
func imageLabels(cfg *config.Config, profile config.Profile) map[string]string {
	return map[string]string{
		"org.opencontainers.image.title": cfg.Project.Name,
		"dev.kiln.version":               internal.Version(),
		"dev.kiln.profile":               string(profile),
	}
}

// Prints one row per stage and platform in pipeline order.
func printStages(p *stage.Pipeline, result *build.Result) {
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tPLATFORM\tSTATUS\tCACHED\tEXECUTED\tKEY")
	for _, pr := range result.Platforms {
		for _, s := range p.Stages {
			r, ok := pr.Stages[s.Name]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.Name, pr.Platform, title.String(string(r.Status)), r.Cached, r.Executed, shortDigest(r.Key))
		}
	}
	w.Flush()
}
