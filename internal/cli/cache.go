package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/kilnhq/kiln/internal/cache"
)

// Represents the 'kiln cache' command group.
type CacheCmd struct {
	List  CacheListCmd  `cmd:"" default:"1" help:"List stored layers, most recently used first."`
	Prune CachePruneCmd `cmd:"" help:"Remove stale layers."`
}

// Represents the 'kiln cache list' command.
type CacheListCmd struct{}

// Executes the cache list command.
func (c *CacheListCmd) Run(ctx context.Context) error {
	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}

	var total int64
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTAGE\tSTEP\tENGINE\tPLATFORM\tSIZE\tUSED")
	for _, e := range entries {
		total += e.Size
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortDigest(e.Key.String()), e.Stage, e.Step, e.Engine, e.Platform,
			formatSize(e.Size), e.Used.Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%d layers, %s\n", len(entries), formatSize(total))
	return nil
}

// Represents the 'kiln cache prune' command.
type CachePruneCmd struct {
	OlderThan time.Duration `placeholder:"DURATION" help:"Remove layers unused for longer than this (e.g. 168h)."`
	MaxSize   int64         `placeholder:"BYTES" help:"Then remove least recently used layers until the cache fits."`
	All       bool          `help:"Remove every layer."`
}

// Executes the cache prune command.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := cache.PruneOptions{OlderThan: c.OlderThan, MaxBytes: c.MaxSize}
	if c.All {
		opts = cache.PruneOptions{OlderThan: time.Nanosecond}
	}

	res, err := store.Prune(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "removed %d layers, freed %s\n", res.Removed, formatSize(res.Freed))
	return nil
}
