package cli

import (
	"context"
	"log/slog"

	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/lint"
)

// Represents the 'kiln lint' command.
type LintCmd struct {
	Check bool `help:"Report drift and findings without changing files."`
}

// Executes the lint command.
func (c *LintCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := lint.FromConfig(cfg)
	opts.Stream = toolStream()
	if c.Check {
		opts.Format = false
		opts.Fix = false
	}

	report, err := lint.Run(ctx, command.Exec{}, opts)
	if err != nil {
		return err
	}

	if report.Formatted {
		slog.Warn("formatting drift was found and corrected")
	}
	slog.Info("lint passed", "fixed", report.Fixed)
	return nil
}
