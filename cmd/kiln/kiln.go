package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kilnhq/kiln/internal"
	"github.com/kilnhq/kiln/internal/cli"
	"github.com/kilnhq/kiln/internal/fault"
)

// The entry point for the kiln command.
//
// Initializes logging, displays startup information, and executes the root
// command. Errors exit with the code of their kind.
func main() {
	slog.SetDefault(logger())

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("kiln is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		if st := fault.Stack(err); st != "" && internal.IsDebug() {
			fmt.Fprintln(os.Stderr, st)
		}
		os.Exit(fault.ExitCode(err))
	}
}

// Creates a text logger on stderr.
//
// Its level follows [internal.LogLevel], so the flags parsed by cli.Execute
// take effect without replacing the handler.
func logger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: internal.LogLevel(),
	})
	return slog.New(handler.WithGroup(internal.Name))
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
