package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/presentation"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

var (
	auditSince  time.Duration
	auditCursor int64
	auditLimit  int
	auditAll    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show an entity's audit trail",
	Long: `Print an entity's audit records, oldest first, as JSON.

Examples:
  fleetreg audit 0f3c...                 # first page
  fleetreg audit 0f3c... --since 1h      # only the last hour
  fleetreg audit 0f3c... --all           # follow cursors to the end`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		q := domain.AuditQuery{EntityID: domain.EntityID(args[0]), After: auditCursor, Limit: auditLimit}
		if auditSince > 0 {
			q.Since = time.Now().Add(-auditSince)
		}

		client := newClient()
		page, err := client.AuditTrail(ctx, q)
		if err != nil {
			return err
		}
		for auditAll && page.NextCursor > 0 {
			q.After = page.NextCursor
			next, err := client.AuditTrail(ctx, q)
			if err != nil {
				return err
			}
			page.Records = append(page.Records, next.Records...)
			page.NextCursor = next.NextCursor
		}
		return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(page)
	},
}

func init() {
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only records newer than this long ago")
	auditCmd.Flags().Int64Var(&auditCursor, "cursor", 0, "resume after this record id")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "page size (default 100, max 1000)")
	auditCmd.Flags().BoolVar(&auditAll, "all", false, "fetch every page")
	rootCmd.AddCommand(auditCmd)
}
