package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilnhq/kiln/internal/recipe"
)

// Represents the 'kiln plan' command.
type PlanCmd struct {
	Root   string `type:"existingdir" placeholder:"DIR" help:"Project root. Defaults to the configured root."`
	Output string `short:"o" type:"path" placeholder:"FILE" help:"Write the recipe to a file instead of stdout."`
}

// Executes the plan command.
//
// The recipe is printed to stdout, or saved to --output with its digest
// printed instead.
func (c *PlanCmd) Run(ctx context.Context) error {
	root := c.Root
	if root == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root = cfg.ProjectRoot()
	}

	r, err := recipe.Plan(root)
	if err != nil {
		return err
	}

	d, err := r.Digest()
	if err != nil {
		return err
	}
	slog.Info("recipe planned", "root", root, "digest", d, "manifests", len(r.Skeleton.Manifests))

	if c.Output != "" {
		if err := r.Save(c.Output); err != nil {
			return err
		}
		fmt.Fprintln(stdout, d)
		return nil
	}

	b, err := r.Bytes()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}

// Represents the 'kiln cook' command.
type CookCmd struct {
	Recipe string `short:"r" default:"recipe.json" type:"existingfile" placeholder:"FILE" help:"Recipe to materialize."`
	Dir    string `arg:"" type:"path" help:"Directory to write the skeleton into."`
}

// Executes the cook command.
func (c *CookCmd) Run(ctx context.Context) error {
	r, err := recipe.Load(c.Recipe)
	if err != nil {
		return err
	}
	if err := r.Materialize(c.Dir); err != nil {
		return err
	}
	slog.Info("skeleton written", "dir", c.Dir, "manifests", len(r.Skeleton.Manifests), "targets", len(r.Skeleton.Targets))
	return nil
}
