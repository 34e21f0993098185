package build

import (
	"context"
	"log/slog"
	"os"

	"github.com/containerd/platforms"
	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/cache"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/image"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/stage"
)

// File name of the exported image inside a platform output directory.
const ImageFile = "image.tar"

// Controls pipeline execution.
type Options struct {
	Pipeline  *stage.Pipeline   // Pipeline to execute.
	Project   string            // Project name, used as a prefix for workspace IDs.
	Root      string            // Project root, for resolving copy sources.
	Exclude   archive.Excludes  // Paths of the project root never copied or hashed.
	Shell     string            // Shell of run steps. Defaults to /bin/sh.
	Output    string            // Directory for the exported image.
	Tag       string            // Reference of the final image. Empty skips promotion.
	Labels    map[string]string // Labels set on the final image.
	Platforms []string          // Target platforms (e.g., ["linux/amd64"]). Defaults to host.
	Cache     *cache.Store      // Layer cache. Nil disables caching.
	Images    *image.Store      // Store receiving the final image. Nil skips it.
	MountRoot string            // Host directory backing cache mounts. Empty disables mounts.
	NoCache   bool              // Ignore stored layers. New layers are still recorded.
	DryRun    bool              // Report what would run without starting workspaces.
}

// Returned after pipeline execution.
type Result struct {
	Image     string           // Reference of the final image, if tagged.
	Output    string           // Directory containing the exported image.
	Executed  int              // Steps executed across all platforms.
	Cached    int              // Steps restored from the cache across all platforms.
	Platforms []PlatformResult // Per-platform outcome, in build order.
}

// Outcome of one platform.
type PlatformResult struct {
	Platform string                 // OCI platform.
	Output   string                 // Path of the exported image archive.
	Stages   map[string]StageResult // Outcome per stage name.
}

// Outcome of one stage.
type StageResult struct {
	Status   stage.Status // Final status.
	Key      string       // Final cache key, empty when unknown.
	Executed int          // Steps executed.
	Cached   int          // Steps restored from the cache.
}

// Returns the status of each stage across platforms.
//
// A stage counts as cached only when it was cached on every platform.
func (r *Result) Statuses() map[string]stage.Status {
	rank := map[stage.Status]int{
		stage.StatusCached:  0,
		stage.StatusPending: 1,
		stage.StatusBuilt:   2,
		stage.StatusFailed:  3,
	}

	statuses := make(map[string]stage.Status)
	for _, p := range r.Platforms {
		for name, s := range p.Stages {
			if cur, ok := statuses[name]; !ok || rank[s.Status] > rank[cur] {
				statuses[name] = s.Status
			}
		}
	}
	return statuses
}

// Executes a pipeline against a backend.
//
// Stages are built level by level over the dependency graph, with stages on
// the same level running concurrently. Each step is keyed by its parent key,
// its resolved form and the digest of the content it reads, and steps with a
// stored layer are restored instead of run. The final stage is exported as
// an image archive to the output directory. The image is tagged and promoted
// only after every platform has succeeded.
//
// The partial result is returned alongside any error, so callers can report
// the status of each stage.
func Run(ctx context.Context, backend Backend, opts Options) (*Result, error) {
	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{platforms.DefaultString()}
	}

	if err := opts.Pipeline.Validate(); err != nil {
		return nil, err
	}

	levels, err := pipelineLevels(opts.Pipeline)
	if err != nil {
		return nil, err
	}

	slog.Info("executing pipeline",
		"project", opts.Project,
		"profile", opts.Pipeline.Profile,
		"engine", opts.Pipeline.Engine,
		"stages", len(opts.Pipeline.Stages),
		"platforms", opts.Platforms,
		"dry_run", opts.DryRun,
	)

	if !opts.DryRun {
		if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
			return nil, fault.Wrap(ErrFileSystemOperation, err)
		}
	}

	run := newPipelineRun(backend, opts, levels)
	result := &Result{Output: opts.Output}

	for _, platform := range opts.Platforms {
		pr, err := run.buildPlatform(ctx, platform)
		result.Platforms = append(result.Platforms, pr.result)
		for _, s := range pr.result.Stages {
			result.Executed += s.Executed
			result.Cached += s.Cached
		}
		if err != nil {
			return result, err
		}
	}

	if opts.DryRun || opts.Tag == "" {
		return result, nil
	}

	if err := run.promote(ctx, result); err != nil {
		return result, err
	}
	result.Image = opts.Tag

	return result, nil
}

// Returns the stage names of a pipeline grouped into build levels.
func pipelineLevels(p *stage.Pipeline) ([][]string, error) {
	g, err := stage.Graph(p)
	if err != nil {
		return nil, err
	}
	return stage.Levels(g)
}
