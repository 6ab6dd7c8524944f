package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/tiles"
)

type fetchOpts struct {
	output     string
	noFallback bool
}

// fetchCommand creates the fetch command for delivering a single tile.
func (c *CLI) fetchCommand() *cobra.Command {
	var opts fetchOpts

	cmd := &cobra.Command{
		Use:   "fetch <tile-path>",
		Short: "Fetch one tile from its archive",
		Long: `Fetch one tile, e.g. papers/1901/p0003/tiles/1_3.jpg, and write it to a file or stdout.

When the tile cannot be delivered the fallback asset is written instead,
unless --no-fallback is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFetch(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&opts.noFallback, "no-fallback", false, "fail instead of writing the fallback asset")

	return cmd
}

func (c *CLI) runFetch(cmd *cobra.Command, tilePath string, opts fetchOpts) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	orch, _, store, err := c.newOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	prog := newProgress(logger)
	job := orch.RequestTile(ctx, tilePath)
	var res tiles.Result
	if opts.output != "" {
		res = watchJob(cmd.ErrOrStderr(), job).Wait()
	} else {
		res = job.Wait()
	}

	switch res.Outcome {
	case tiles.OutcomeCancelled:
		return res.Err
	case tiles.OutcomeFailed:
		return res.Err
	case tiles.OutcomeFallback:
		if opts.noFallback {
			return res.Err
		}
		logger.Warn("tile unavailable, writing fallback", "code", zerr.GetCode(res.Err), "err", zerr.UserMessage(res.Err))
	}

	if opts.output == "" {
		_, err := cmd.OutOrStdout().Write(res.Bytes)
		prog.done("fetched", "outcome", res.Outcome, "bytes", len(res.Bytes))
		return err
	}
	if err := os.WriteFile(opts.output, res.Bytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	printOutcome(cmd.ErrOrStderr(), tilePath, res.Outcome, len(res.Bytes))
	printFile(cmd.ErrOrStderr(), opts.output)
	return nil
}
