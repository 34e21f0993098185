package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/cache"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/image"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/recipe"
	"github.com/kilnhq/kiln/internal/runtime"
	"github.com/google/uuid"
	"github.com/kilnhq/kiln/internal/stage"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// Holds shared state for building a pipeline on every platform.
type pipelineRun struct {
	backend Backend    // Backend starting workspaces.
	opts    Options    // Options of the run.
	levels  [][]string // Stage names grouped by dependency level.
	id      string     // Short identifier unique to this run.

	planOnce   sync.Once
	plan       *recipe.Recipe
	planDigest digest.Digest
	planErr    error
}

// Creates a new [pipelineRun].
func newPipelineRun(backend Backend, opts Options, levels [][]string) *pipelineRun {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return &pipelineRun{backend: backend, opts: opts, levels: levels, id: id}
}

// Returns the dependency recipe of the project root and its digest.
//
// The recipe is planned once per run and shared by every platform.
func (r *pipelineRun) recipe() (*recipe.Recipe, digest.Digest, error) {
	r.planOnce.Do(func() {
		r.plan, r.planErr = recipe.Plan(r.opts.Root)
		if r.planErr != nil {
			r.planErr = fault.Wrap(ErrPlan, r.planErr)
			return
		}
		r.planDigest, r.planErr = r.plan.Digest()
		r.planErr = fault.Wrap(ErrPlan, r.planErr)
	})
	return r.plan, r.planDigest, r.planErr
}

// Returns the identity of a source image and whether it is known.
//
// A dry run never fetches images, so an image the backend does not hold
// yet is unknown.
func (r *pipelineRun) resolve(ctx context.Context, ref, platform string) (string, bool, error) {
	if local, ok := r.backend.(LocalResolver); ok && r.opts.DryRun {
		return local.ResolveLocal(ctx, ref, platform)
	}
	id, err := r.backend.Resolve(ctx, ref, platform)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Returns whether layers are keyed and stored.
func (r *pipelineRun) caching() bool {
	return r.opts.Cache != nil
}

// Returns the host path of an archive stage source.
func (r *pipelineRun) archivePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.opts.Root, p)
}

// Returns the output directory for a specific platform.
//
// When building for a single platform, the output directory is left as-is
// to preserve the {output}/image.tar convention. For multi-platform builds,
// each platform gets a subdirectory (e.g., {output}/linux-amd64).
func (r *pipelineRun) platformOutput(platform string) string {
	if len(r.opts.Platforms) == 1 {
		return r.opts.Output
	}
	return filepath.Join(r.opts.Output, platformSlug(platform))
}

// Records the final image of every platform in the image store and hands
// it to the backend.
func (r *pipelineRun) promote(ctx context.Context, result *Result) error {
	promoter, _ := r.backend.(Promoter)

	for _, p := range result.Platforms {
		if r.opts.Images != nil {
			img, err := r.opts.Images.Put(r.opts.Tag, p.Platform, p.Output)
			if err != nil {
				return fault.Wrap(ErrPromote, err)
			}
			slog.Info("image stored", "ref", img.Ref, "platform", img.Platform, "digest", img.Digest)
		}

		if promoter != nil {
			if err := promoter.Promote(ctx, p.Output, r.opts.Tag, p.Platform); err != nil {
				return fault.Wrap(ErrPromote, err)
			}
		}
	}
	return nil
}

// Builds the pipeline for a single platform.
//
// Each platform maintains its own set of stage workspaces for cross-stage
// copy lookups. All workspaces are destroyed when the platform completes.
func (r *pipelineRun) buildPlatform(ctx context.Context, platform string) (*platformRun, error) {
	slog.Info("building platform", "platform", platform)

	p := &platformRun{
		run:      r,
		platform: platform,
		output:   r.platformOutput(platform),
		stages:   make(map[string]*stageRun),
		result:   PlatformResult{Platform: platform, Stages: make(map[string]StageResult)},
	}

	for i := range r.opts.Pipeline.Stages {
		s := &r.opts.Pipeline.Stages[i]
		p.stages[s.Name] = &stageRun{
			p:      p,
			stage:  s,
			id:     p.workspaceID(s.Name),
			ops:    flatten(s.Steps, newStepState(r.opts.Shell)),
			result: StageResult{Status: stage.StatusPending},
		}
	}

	err := p.build(ctx)
	p.result.Output = filepath.Join(p.output, ImageFile)
	for name, s := range p.stages {
		p.result.Stages[name] = s.result
	}
	return p, err
}

// Holds state for building every stage on one platform.
type platformRun struct {
	run      *pipelineRun         // Run this platform belongs to.
	platform string               // OCI platform.
	output   string               // Output directory of the platform.
	tmp      string               // Scratch directory for intermediate archives.
	stages   map[string]*stageRun // Stage state by name.
	result   PlatformResult       // Outcome, filled in after the build.
}

// Builds every stage level by level, then exports the final stage.
func (p *platformRun) build(ctx context.Context) error {
	defer p.destroy(ctx)

	if !p.run.opts.DryRun {
		if err := os.MkdirAll(p.output, paths.DefaultDirMode); err != nil {
			return fault.Wrap(ErrFileSystemOperation, err)
		}
	}

	tmp, err := os.MkdirTemp("", "kiln-build-")
	if err != nil {
		return fault.Wrap(ErrFileSystemOperation, err)
	}
	defer os.RemoveAll(tmp)
	p.tmp = tmp

	for _, level := range p.run.levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			s := p.stages[name]
			g.Go(func() error {
				if err := s.build(gctx); err != nil {
					s.result.Status = stage.StatusFailed
					return fault.Wrapf(ErrBuild, "platform %s, stage %s: %w", p.platform, name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if p.run.opts.DryRun {
		return nil
	}

	return p.export(ctx)
}

// Exports the final stage as an image archive.
func (p *platformRun) export(ctx context.Context) error {
	final, err := p.run.opts.Pipeline.Final()
	if err != nil {
		return err
	}

	ws, err := p.stages[final.Name].workspace(ctx)
	if err != nil {
		return fault.Wrapf(ErrBuild, "platform %s, stage %s: %w", p.platform, final.Name, err)
	}

	cfg := &image.Config{
		Entrypoint: p.run.opts.Pipeline.Entrypoint,
		Labels:     p.run.opts.Labels,
	}

	path := filepath.Join(p.output, ImageFile)
	if err := ws.Export(ctx, path, p.run.opts.Tag, cfg); err != nil {
		return fault.Wrapf(ErrBuild, "platform %s, export: %w", p.platform, err)
	}

	slog.Info("image exported", "platform", p.platform, "path", path)

	return nil
}

// Destroys every started workspace.
func (p *platformRun) destroy(ctx context.Context) {
	for _, s := range p.stages {
		if s.ws != nil {
			s.ws.Destroy(context.WithoutCancel(ctx))
			s.ws = nil
		}
	}
}

// Returns the workspace ID of a stage.
//
// IDs carry the project, profile and platform for readability, and the run
// identifier so that concurrent builds never start over each other's
// workspaces.
func (p *platformRun) workspaceID(name string) string {
	var parts []string
	for _, part := range []string{
		p.run.opts.Project,
		string(p.run.opts.Pipeline.Profile),
		platformSlug(p.platform),
		p.run.id,
		name,
	} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "-")
}

// Returns the host directories backing the mount targets of ops.
func (p *platformRun) mounts(ops []op) []runtime.Mount {
	if p.run.opts.MountRoot == "" {
		return nil
	}

	var mounts []runtime.Mount
	for _, target := range mountTargets(ops) {
		mounts = append(mounts, runtime.Mount{
			Source: filepath.Join(p.run.opts.MountRoot, platformSlug(p.platform), mountSlug(target)),
			Target: target,
		})
	}
	return mounts
}

// Returns the digest of the content a step reads from outside its
// workspace, and whether it is known.
//
// The digest is unknown only in a dry run, when a cross-stage copy reads
// from a stage whose content was never recorded.
func (p *platformRun) inputDigest(ctx context.Context, s stage.Step) (digest.Digest, bool, error) {
	switch {
	case s.Plan:
		_, d, err := p.run.recipe()
		return d, err == nil, err

	case s.Copy != "":
		src, _, err := stage.ParseCopy(s.Copy, workdirOf(s))
		if err != nil {
			return "", false, fault.Wrap(ErrCopy, err)
		}

		if name, from, ok := stage.ParseStageCopy(src); ok {
			return p.stageCopyDigest(ctx, name, from)
		}

		hostPath, err := archive.SafeJoin(p.run.opts.Root, src)
		if err != nil {
			return "", false, fault.Wrap(ErrCopy, err)
		}
		d, err := archive.DigestTree(hostPath, p.run.opts.Exclude)
		if err != nil {
			return "", false, fault.Wrap(ErrCopy, err)
		}
		return d, true, nil
	}

	return "", true, nil
}

// Returns the content digest of a path in another stage.
//
// Digests are recorded against the source stage's final key, so a rebuild
// that restores the source from the cache never reads its files again.
func (p *platformRun) stageCopyDigest(ctx context.Context, name, from string) (digest.Digest, bool, error) {
	source, ok := p.stages[name]
	if !ok {
		return "", false, fault.Wrapf(ErrCopy, "unknown stage %q", name)
	}
	if source.key == "" {
		return "", false, nil
	}

	store := p.run.opts.Cache
	if d, ok, err := store.CopyDigest(ctx, source.key, from); err != nil || ok {
		return d, ok, err
	}
	if p.run.opts.DryRun {
		return "", false, nil
	}

	ws, err := source.workspace(ctx)
	if err != nil {
		return "", false, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(ws.CopyFrom(ctx, pw, from))
	}()

	d, err := archive.DigestTar(pr)
	pr.CloseWithError(err)
	if err != nil {
		return "", false, fault.Wrap(ErrCopy, err)
	}

	if err := store.RecordCopy(ctx, source.key, from, d); err != nil {
		return "", false, err
	}
	return d, true, nil
}

// State of one stage on one platform.
type stageRun struct {
	p     *platformRun
	stage *stage.Stage
	id    string // Workspace ID.
	ops   []op   // Flattened operations.

	mu      sync.Mutex
	ws      Workspace     // Started workspace, nil until needed.
	archive string        // Archive holding the stage's current filesystem.
	key     digest.Digest // Final key, empty when unknown.
	result  StageResult
}

// Builds the stage.
//
// Keys are computed for every operation first. The longest prefix with a
// stored layer is restored, and the remaining operations run in a
// workspace started from that layer, each storing its own layer.
func (s *stageRun) build(ctx context.Context) error {
	slog.Info(fmt.Sprintf("building stage %s", s.stage.Name), "platform", s.p.platform, "from", s.stage.From)

	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}

	hit, err := s.lookup(ctx, keys)
	if err != nil {
		return err
	}

	s.result.Cached = hit + 1
	if len(keys) > 0 && len(keys) == len(s.ops)+1 {
		s.key = keys[len(keys)-1]
		s.result.Key = s.key.String()
	}

	if hit == len(s.ops)-1 && len(keys) == len(s.ops)+1 {
		slog.Info(fmt.Sprintf("stage %s cached", s.stage.Name), "platform", s.p.platform, "key", s.key)
		s.result.Status = stage.StatusCached
		return nil
	}

	if s.p.run.opts.DryRun {
		s.result.Status = stage.StatusPending
		return nil
	}

	ws, err := s.workspace(ctx)
	if err != nil {
		return err
	}

	for i := hit + 1; i < len(s.ops); i++ {
		o := s.ops[i]
		slog.Info(fmt.Sprintf("step %s: %s", o.label, describe(o.step)), "stage", s.stage.Name, "platform", s.p.platform)

		if err := s.p.execute(ctx, ws, o); err != nil {
			return fault.Wrapf(ErrBuild, "step %s: %w", o.label, err)
		}
		s.result.Executed++

		s.archive = ""
		if s.p.run.caching() {
			if err := s.store(ctx, keys[i+1], o); err != nil {
				return err
			}
		}
	}

	s.result.Status = stage.StatusBuilt
	return nil
}

// Returns the root key followed by the key of every operation.
//
// Without a cache no keys are computed. In a dry run the list stops before
// the first operation whose input is unknown.
func (s *stageRun) keys(ctx context.Context) ([]digest.Digest, error) {
	if !s.p.run.caching() {
		return nil, nil
	}

	root, ok, err := s.rootKey(ctx)
	if err != nil || !ok {
		return nil, err
	}

	keys := []digest.Digest{root}
	for _, o := range s.ops {
		input, ok, err := s.p.inputDigest(ctx, o.step)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		key, err := cache.StepKey(keys[len(keys)-1], o.step, input)
		if err != nil {
			return nil, fault.Wrap(ErrBuild, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Returns the key the stage starts from, and whether it is known.
func (s *stageRun) rootKey(ctx context.Context) (digest.Digest, bool, error) {
	from := s.stage.From
	engine := string(s.p.run.opts.Pipeline.Engine)

	var identity string
	switch {
	case from.Stage != "":
		source := s.p.stages[from.Stage]
		if source.key == "" {
			return "", false, nil
		}
		identity = source.key.String()

	case from.Archive != "":
		d, err := fileDigest(s.p.run.archivePath(from.Archive))
		if err != nil {
			return "", false, fault.Wrap(ErrFileSystemOperation, err)
		}
		identity = d.String()

	default:
		id, ok, err := s.p.run.resolve(ctx, from.Image, s.p.platform)
		if err != nil || !ok {
			return "", false, err
		}
		identity = id
	}

	return cache.RootKey(engine, s.p.platform, identity), true, nil
}

// Returns the index of the last operation with a stored layer, or -1.
//
// The matching layer becomes the stage's filesystem.
func (s *stageRun) lookup(ctx context.Context, keys []digest.Digest) (int, error) {
	if s.p.run.opts.NoCache {
		return -1, nil
	}

	for i := len(keys) - 1; i > 0; i-- {
		path, ok, err := s.p.run.opts.Cache.Lookup(ctx, keys[i])
		if err != nil {
			return -1, err
		}
		if ok {
			slog.Debug("layer restored", "stage", s.stage.Name, "step", s.ops[i-1].label, "key", keys[i])
			s.archive = path
			return i - 1, nil
		}
	}
	return -1, nil
}

// Stores the workspace filesystem as the layer of an operation.
func (s *stageRun) store(ctx context.Context, key digest.Digest, o op) error {
	entry := cache.Entry{
		Key:      key,
		Stage:    s.stage.Name,
		Step:     describe(o.step),
		Engine:   string(s.p.run.opts.Pipeline.Engine),
		Platform: s.p.platform,
	}

	path, err := s.p.run.opts.Cache.Put(ctx, entry, func(path string) error {
		return s.ws.Snapshot(ctx, path)
	})
	if err != nil {
		return err
	}

	s.archive = path
	return nil
}

// Returns the stage workspace, starting it on first use.
func (s *stageRun) workspace(ctx context.Context) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(ctx)
}

// Starts the workspace unless it is running. The caller holds s.mu.
//
// The workspace starts from the stage's stored filesystem when there is
// one, and from its source otherwise.
func (s *stageRun) start(ctx context.Context) (Workspace, error) {
	if s.ws != nil {
		return s.ws, nil
	}

	opts := runtime.StartOptions{
		ID:       s.id,
		Platform: s.p.platform,
		Mounts:   s.p.mounts(s.ops),
	}

	if s.archive != "" {
		opts.Archive = s.archive
	} else if err := s.source(ctx, &opts); err != nil {
		return nil, err
	}

	ws, err := s.p.run.backend.Start(ctx, opts)
	if err != nil {
		return nil, err
	}

	s.ws = ws
	return ws, nil
}

// Fills in the source of a workspace started from scratch.
func (s *stageRun) source(ctx context.Context, opts *runtime.StartOptions) error {
	from := s.stage.From
	switch {
	case from.Stage != "":
		path, err := s.p.stages[from.Stage].filesystem(ctx)
		if err != nil {
			return err
		}
		opts.Archive = path
	case from.Archive != "":
		opts.Archive = s.p.run.archivePath(from.Archive)
	default:
		opts.Image = from.Image
	}
	return nil
}

// Returns an archive of the stage's current filesystem.
//
// Stored layers are used as they are. Otherwise the workspace is
// snapshotted into the platform's scratch directory.
func (s *stageRun) filesystem(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.archive != "" {
		return s.archive, nil
	}

	ws, err := s.start(ctx)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.p.tmp, s.stage.Name+".tar")
	if err := ws.Snapshot(ctx, path); err != nil {
		return "", err
	}
	s.archive = path
	return path, nil
}

// Returns the digest of a file's contents.
func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}

// Converts a platform string to a filesystem-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}

// Converts an absolute mount target to a directory name.
//
// "/usr/local/cargo/registry" becomes "usr-local-cargo-registry".
func mountSlug(target string) string {
	return strings.ReplaceAll(strings.Trim(target, "/"), "/", "-")
}
