package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/kilnhq/kiln/internal"
	"github.com/kilnhq/kiln/internal/paths"
)

// Represents the root command for kiln.
var RootCmd struct {
	Quiet      bool   `short:"q" help:"Suppress informational output."`
	Verbose    bool   `short:"v" help:"Stream the output of external tools."`
	Debug      bool   `short:"d" help:"Enable debug output."`
	ConfigPath string `name:"config" short:"c" default:"${config}" type:"path" placeholder:"PATH" help:"Configuration file."`
	CacheDir   string `name:"cache-dir" env:"KILN_CACHE_DIR" type:"path" placeholder:"DIR" help:"Override the layer cache directory."`
	DataDir    string `name:"data-dir" env:"KILN_DATA_DIR" type:"path" placeholder:"DIR" help:"Override the image store directory."`

	Config     ConfigCmd     `cmd:"" help:"Manage the configuration file."`
	Plan       PlanCmd       `cmd:"" help:"Plan the dependency recipe of the project."`
	Cook       CookCmd       `cmd:"" help:"Materialize a recipe skeleton into a directory."`
	Build      BuildCmd      `cmd:"" help:"Build the debug or release image."`
	Lint       LintCmd       `cmd:"" help:"Format and statically analyze the project."`
	Dockerfile DockerfileCmd `cmd:"" help:"Render Dockerfile and Dockerfile.dev."`
	Graph      GraphCmd      `cmd:"" help:"Print the stage graph in DOT format."`
	Cache      CacheCmd      `cmd:"" help:"Inspect and prune the layer cache."`
	Images     ImagesCmd     `cmd:"" help:"List images in the local store."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	parser, err := newParser(ctx)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	configureLogger()

	return kongCtx.Run()
}

// Creates the command line parser bound to ctx.
func newParser(ctx context.Context, options ...kong.Option) (*kong.Kong, error) {
	return kong.New(&RootCmd, append([]kong.Option{
		kong.Name(internal.Name),
		kong.Description("Layered container builds for Rust projects.\n\nPlans a dependency recipe, builds a cached multi-stage pipeline, and tags a minimal runtime image."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
			"config":  paths.ConfigFile,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	}, options...)...)
}

// Applies the logging flags on top of the build-time defaults.
//
// The handler installed in main reads its level from [internal.LogLevel],
// so no handler needs to be rebuilt.
func configureLogger() {
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())
}
