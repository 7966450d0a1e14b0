package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/presentation"
)

var summaryJSON bool

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show fleet health counts per entity type and status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		sum, err := newClient().Summary(ctx)
		if err != nil {
			return err
		}
		f := presentation.NewFormatter(cmd.OutOrStdout())
		if summaryJSON {
			return f.FormatJSON(sum)
		}
		return f.FormatSummary(sum)
	},
}

func init() {
	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(summaryCmd)
}
