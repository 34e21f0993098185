// Package command runs host processes.
//
// A [Runner] executes a [Command] and captures its output. A non-zero exit
// code is reported in the [Result] rather than as an error, leaving the
// caller to decide what a failure means. A binary missing from PATH is an
// environment error (see [fault.ErrEnvironment]).
//
// Example usage:
//
//	res, err := command.Exec{}.Run(ctx, command.Command{
//	    Name: "cargo",
//	    Args: []string{"fmt", "--all", "--", "--check"},
//	    Dir:  root,
//	})
//	if err != nil {
//	    return err
//	}
//	if res.ExitCode != 0 {
//	    slog.Warn("formatting drift", "output", res.Stdout)
//	}
package command
