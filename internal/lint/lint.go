package lint

import (
	"context"
	"io"
	"log/slog"

	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/fault"
)

// Controls a lint run.
type Options struct {
	Root   string    // Project root.
	Format bool      // Correct formatting drift.
	Fix    bool      // Apply automatic analysis fixes.
	Allow  []string  // Lints passed as -A.
	Warn   []string  // Lints passed as -W.
	Deny   []string  // Lints passed as -D.
	Cargo  string    // Cargo binary. Defaults to "cargo".
	Stream io.Writer // Optional writer receiving tool output.
}

// Returns the lint options of a configuration.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Root:   cfg.ProjectRoot(),
		Format: cfg.Lint.Format,
		Fix:    cfg.Lint.Fix,
		Allow:  cfg.Lint.Allow,
		Warn:   cfg.Lint.Warn,
		Deny:   cfg.Lint.Deny,
	}
}

// Outcome of a successful lint run.
type Report struct {
	Drift     bool // Formatting drift was found.
	Formatted bool // Drift was corrected.
	Fixed     bool // Automatic analysis fixes were applied.
}

// Runs the lint operation in opts.Root.
//
// Formatting is checked first. Drift is corrected when opts.Format is set
// and fails the run otherwise. The analyzer then runs once with fixes when
// opts.Fix is set, and once more as the verdict. A missing cargo binary is
// an environment error.
func Run(ctx context.Context, runner command.Runner, opts Options) (*Report, error) {
	l := &linter{runner: runner, opts: opts}
	report := &Report{}

	slog.Info("checking formatting", "root", opts.Root)

	res, err := l.cargo(ctx, "fmt", "--all", "--", "--check")
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 {
		report.Drift = true
		if !opts.Format {
			return report, &FindingsError{
				Check:       "format",
				Output:      res.Stdout + res.Stderr,
				Remediation: "run `cargo fmt --all` or enable lint.format",
			}
		}

		slog.Warn("formatting drift found, correcting")

		if err := l.mustCargo(ctx, "fmt", "--all"); err != nil {
			return report, err
		}

		res, err = l.cargo(ctx, "fmt", "--all", "--", "--check")
		if err != nil {
			return report, err
		}
		if res.ExitCode != 0 {
			return report, &FindingsError{
				Check:       "format",
				Output:      res.Stdout + res.Stderr,
				Remediation: "formatting could not be corrected automatically; fix the reported files by hand",
			}
		}
		report.Formatted = true
	}

	policy := Policy(opts.Allow, opts.Warn, opts.Deny)

	if opts.Fix {
		slog.Info("applying analysis fixes")

		args := append([]string{"clippy", "--all-targets", "--fix", "--allow-dirty", "--allow-staged", "--"}, policy...)
		res, err := l.cargo(ctx, args...)
		if err != nil {
			return report, err
		}
		report.Fixed = res.ExitCode == 0
		if !report.Fixed {
			slog.Debug("automatic fixes incomplete", "exit_code", res.ExitCode)
		}
	}

	slog.Info("running analysis")

	args := append([]string{"clippy", "--all-targets", "--"}, policy...)
	res, err = l.cargo(ctx, args...)
	if err != nil {
		return report, err
	}
	if res.ExitCode != 0 {
		return report, &FindingsError{
			Check:       "clippy",
			Output:      res.Stderr,
			Remediation: "fix the findings above, or adjust lint.allow, lint.warn and lint.deny",
		}
	}

	return report, nil
}

// Returns analyzer flags for a policy: allows, then warnings, then denials,
// so a later level overrides an earlier one for the same lint.
func Policy(allow, warn, deny []string) []string {
	var flags []string
	for _, l := range allow {
		flags = append(flags, "-A", l)
	}
	for _, l := range warn {
		flags = append(flags, "-W", l)
	}
	for _, l := range deny {
		flags = append(flags, "-D", l)
	}
	return flags
}

type linter struct {
	runner command.Runner
	opts   Options
}

// Runs a cargo subcommand in the project root.
func (l *linter) cargo(ctx context.Context, args ...string) (*command.Result, error) {
	name := l.opts.Cargo
	if name == "" {
		name = "cargo"
	}

	res, err := l.runner.Run(ctx, command.Command{
		Name:   name,
		Args:   args,
		Dir:    l.opts.Root,
		Stream: l.opts.Stream,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Runs a cargo subcommand, failing on a non-zero exit code.
func (l *linter) mustCargo(ctx context.Context, args ...string) error {
	res, err := l.cargo(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fault.Wrapf(ErrLint, "cargo %s: exit code %d: %s", args[0], res.ExitCode, res.Stderr)
	}
	return nil
}
