package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"
)

// Represents the 'kiln images' command.
type ImagesCmd struct{}

// Executes the images command.
func (c *ImagesCmd) Run(ctx context.Context) error {
	images, err := imageStore().List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tPLATFORM\tDIGEST\tSIZE\tCREATED")
	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			img.Ref, img.Platform, shortDigest(img.Digest.String()), formatSize(img.Size), img.Created.Format(time.DateTime))
	}
	return w.Flush()
}
