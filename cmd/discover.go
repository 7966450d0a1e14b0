package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/presentation"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

var (
	findCapability string
	findDivision   string
	findDepartment string
	findStatuses   []string
	findTypes      []string
	outputFormat   string

	selectStrategy string
	searchLimit    int
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Find live entities by capability, status, type or hierarchy",
	Long: `Find live entities. Filters combine with AND; repeated --status and --type
values combine with OR.

Examples:
  fleetreg find --capability analysis
  fleetreg find --capability analysis --status online --status degraded
  fleetreg find --division 7c9e... --department 1b2d...
  fleetreg find --type database -o table`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := domain.EntityFilter{
			Capability:   findCapability,
			DivisionID:   findDivision,
			DepartmentID: findDepartment,
		}
		for _, s := range findStatuses {
			st, err := domain.ParseStatus(s)
			if err != nil {
				return err
			}
			filter.Statuses = append(filter.Statuses, st)
		}
		for _, s := range findTypes {
			t, err := domain.ParseEntityType(s)
			if err != nil {
				return err
			}
			filter.Types = append(filter.Types, t)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := newClient().Find(ctx, filter)
		if err != nil {
			return err
		}
		return writeResult(cmd, res)
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <capability>",
	Short: "Pick one healthy entity offering a capability",
	Long: `Pick one entity for a capability. Online entities are preferred; a
degraded one is returned only when nothing online matches.

Strategies: round-robin (rr), least-recently-used (lru), random.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var strategy discovery.Strategy
		if selectStrategy != "" {
			s, err := discovery.ParseStrategy(selectStrategy)
			if err != nil {
				return err
			}
			strategy = s
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		sel, err := newClient().SelectOne(ctx, args[0], strategy)
		if err != nil {
			return err
		}
		if sel.Degraded {
			printErr(cmd, "warning: no online entity offers %q; returning a degraded one", args[0])
		}
		return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(sel)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Free-text search over names, capabilities and metadata",
	Long: `Search live entities by free text. Requires the daemon to run with the
search-index flag.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := newClient().Search(ctx, strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		return writeResult(cmd, res)
	},
}

func init() {
	findCmd.Flags().StringVar(&findCapability, "capability", "", "required capability")
	findCmd.Flags().StringVar(&findDivision, "division", "", "division entity id")
	findCmd.Flags().StringVar(&findDepartment, "department", "", "department entity id")
	findCmd.Flags().StringSliceVar(&findStatuses, "status", nil, "status filter (repeatable)")
	findCmd.Flags().StringSliceVar(&findTypes, "type", nil, "entity type filter (repeatable)")
	findCmd.Flags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or table")

	selectCmd.Flags().StringVar(&selectStrategy, "strategy", "", "selection strategy (default from server config)")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (default 20)")
	searchCmd.Flags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or table")

	rootCmd.AddCommand(findCmd, selectCmd, searchCmd)
}

func writeResult(cmd *cobra.Command, res discovery.Result) error {
	f := presentation.NewFormatter(cmd.OutOrStdout())
	if res.Stale {
		printErr(cmd, "warning: registry store unreachable; results may be stale")
	}
	switch outputFormat {
	case "json", "":
		return f.FormatJSON(res)
	case "table":
		return f.FormatEntities(res.Entities, time.Now())
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
