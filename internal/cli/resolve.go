package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// resolveCommand creates the resolve command, which shows where a tile
// lives without fetching it.
func (c *CLI) resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <tile-path>",
		Short: "Show the archive and byte range of a tile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, _, store, err := c.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			spec, loc, err := orch.Locate(ctx, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			printKeyValue(w, "Archive", styleLink.Render(spec.ZipURL))
			printKeyValue(w, "Collection", strconv.FormatInt(spec.CollectionOffset, 10))
			printKeyValue(w, "Directory", fmt.Sprintf("%d+%d", spec.DirectoryOffset, spec.DirectorySize))
			printKeyValue(w, "Tile", fmt.Sprintf("bytes=%d-%d", loc.Offset, loc.End()))
			printKeyValue(w, "Length", strconv.FormatInt(loc.Length, 10))
			printNextStep(w, "Fetch", appName+" fetch "+args[0]+" -o tile.jpg")
			return nil
		},
	}
}
