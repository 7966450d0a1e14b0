package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/presentation"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

var dependCriticality string

var dependCmd = &cobra.Command{
	Use:   "depend",
	Short: "Manage dependency edges between entities",
}

var dependAddCmd = &cobra.Command{
	Use:   "add <dependent-id> <dependency-id>",
	Short: "Record that one entity relies on another",
	Long: `Record that the dependent relies on the dependency. A hard dependency that
goes offline caps the dependent at degraded; a soft one only lowers its score.
Re-adding an existing edge updates its criticality. Edges that would create a
cycle are rejected.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		crit, err := domain.ParseCriticality(dependCriticality)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return newClient().AddDependency(ctx, domain.DependencyEdge{
			DependentID:  domain.EntityID(args[0]),
			DependencyID: domain.EntityID(args[1]),
			Criticality:  crit,
		})
	},
}

var dependRemoveCmd = &cobra.Command{
	Use:   "remove <dependent-id> <dependency-id>",
	Short: "Delete a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return newClient().RemoveDependency(ctx, domain.EntityID(args[0]), domain.EntityID(args[1]))
	},
}

var dependListCmd = &cobra.Command{
	Use:   "list <id>",
	Short: "List what an entity depends on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		client := newClient()
		id := domain.EntityID(args[0])

		var (
			edges []domain.DependencyEdge
			err   error
		)
		if reverse, _ := cmd.Flags().GetBool("dependents"); reverse {
			edges, err = client.ListDependents(ctx, id)
		} else {
			edges, err = client.ListDependencies(ctx, id)
		}
		if err != nil {
			return err
		}
		return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(edges)
	},
}

func init() {
	dependAddCmd.Flags().StringVar(&dependCriticality, "criticality", string(domain.CriticalityHard), "hard or soft")
	dependListCmd.Flags().Bool("dependents", false, "list entities that depend on <id> instead")

	dependCmd.AddCommand(dependAddCmd, dependRemoveCmd, dependListCmd)
	rootCmd.AddCommand(dependCmd)
}
