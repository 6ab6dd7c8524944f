package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ourdigitalworld/zipit/pkg/manifest"
	"github.com/ourdigitalworld/zipit/pkg/zipdir"
)

// lsCommand creates the ls command, which lists a page collection.
func (c *CLI) lsCommand() *cobra.Command {
	var match, exact string

	cmd := &cobra.Command{
		Use:   "ls <archive>/<page>",
		Short: "List the entries of a page collection",
		Long: `List every entry of the collection holding a page's tiles, with its
stored size and absolute offset in the archive. With --exact, look up the
single entry with that full name instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := manifest.ParsePagePath(args[0])
			if err != nil {
				return err
			}

			orch, _, store, err := c.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			spec, dir, err := orch.Directory(ctx, p)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if exact != "" {
				loc, err := zipdir.FindExact(dir, exact, spec.CollectionOffset)
				if err != nil {
					return fmt.Errorf("%s in %s: %w", exact, spec.ZipURL, err)
				}
				printEntry(w, exact, uint32(loc.Length), loc.Offset)
				return nil
			}

			n := 0
			for e, err := range zipdir.Entries(dir) {
				if err != nil {
					printWarning(w, "directory damaged after %d entries: %v", n, err)
					break
				}
				n++
				if match != "" && !strings.Contains(e.Name, match) {
					continue
				}
				printEntry(w, e.Name, e.CompressedSize, e.Locate(spec.CollectionOffset).Offset)
			}
			printDetail(w, "%d entries in %s", n, spec.ZipURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&match, "match", "", "only list entries whose name contains this text")
	cmd.Flags().StringVar(&exact, "exact", "", "show only the entry with this exact name")
	cmd.MarkFlagsMutuallyExclusive("match", "exact")

	return cmd
}
