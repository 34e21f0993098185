// Package lint formats and statically analyzes a Rust project.
//
// A lint run checks formatting, corrects drift when allowed, applies
// automatic analysis fixes, and finally runs the analyzer with an explicit
// allow/warn/deny policy. Formatting drift that was corrected is reported
// but does not fail the run. Remaining findings fail it with a
// [FindingsError] carrying the analyzer output and a remediation hint.
//
// Example usage:
//
//	report, err := lint.Run(ctx, command.Exec{}, lint.FromConfig(cfg))
//	if err != nil {
//	    return err
//	}
//	if report.Formatted {
//	    slog.Warn("formatting drift corrected")
//	}
package lint
