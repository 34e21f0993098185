package cli

import (
	"context"
	"log/slog"

	"github.com/kilnhq/kiln/internal/config"
)

// Represents the 'kiln config' command group.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write the default configuration file."`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration."`
}

// Represents the 'kiln config init' command.
type ConfigInitCmd struct {
	Force bool `short:"f" help:"Overwrite an existing file."`
}

// Executes the config init command.
func (c *ConfigInitCmd) Run(ctx context.Context) error {
	if err := config.Init(RootCmd.ConfigPath, c.Force); err != nil {
		return err
	}
	slog.Info("configuration written", "path", RootCmd.ConfigPath)
	return nil
}

// Represents the 'kiln config show' command.
type ConfigShowCmd struct{}

// Executes the config show command.
func (c *ConfigShowCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return config.Encode(stdout, cfg)
}
