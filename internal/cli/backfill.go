package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"reactive-guard/internal/app"
)

var (
	backfillFromBlock uint64
	backfillToBlock   uint64
	backfillDryRun    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Archive guardian alerts from historical blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("from-block") {
			return fmt.Errorf("--from-block must be provided")
		}
		if backfillToBlock != 0 && backfillFromBlock > backfillToBlock {
			return fmt.Errorf("--from-block must not exceed --to-block")
		}

		opts := app.BackfillOptions{
			FromBlock: backfillFromBlock,
			ToBlock:   backfillToBlock,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillFromBlock, "from-block", 0, "First block to scan (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillToBlock, "to-block", 0, "Last block to scan (inclusive, defaults to head)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Decode and log without writing to storage")
}
