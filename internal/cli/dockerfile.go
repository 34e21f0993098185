package cli

import (
	"context"
	"fmt"

	"github.com/kilnhq/kiln/internal/dockerfile"
)

// Represents the 'kiln dockerfile' command.
type DockerfileCmd struct {
	Dir   string `type:"path" placeholder:"DIR" help:"Output directory. Defaults to the project root."`
	Force bool   `short:"f" help:"Overwrite existing files."`
}

// Executes the dockerfile command.
func (c *DockerfileCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dir := c.Dir
	if dir == "" {
		dir = cfg.ProjectRoot()
	}

	files, err := dockerfile.Write(cfg, dir, c.Force)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(stdout, f)
	}
	return nil
}
