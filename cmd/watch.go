package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/gateway"
	"github.com/zjrosen/fleetreg/internal/presentation"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

var (
	watchEvents     []string
	watchTypes      []string
	watchCapability string
	watchEntity     string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream registry events as JSON lines",
	Long: `Subscribe to the daemon's event stream over a websocket and print one JSON
object per event until interrupted. Each object carries events_dropped, the
number of events this subscriber has lost because it fell behind.

Examples:
  fleetreg watch
  fleetreg watch --event offline --event recovered
  fleetreg watch --type agent --capability analysis`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchEvents, "event", nil, "event types to receive (repeatable)")
	watchCmd.Flags().StringSliceVar(&watchTypes, "type", nil, "entity types to receive (repeatable)")
	watchCmd.Flags().StringVar(&watchCapability, "capability", "", "only entities with this capability")
	watchCmd.Flags().StringVar(&watchEntity, "id", "", "only this entity")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	filter := gateway.Filter{Capability: watchCapability, EntityID: domain.EntityID(watchEntity)}
	for _, e := range watchEvents {
		filter.EventTypes = append(filter.EventTypes, domain.EventType(e))
	}
	for _, s := range watchTypes {
		t, err := domain.ParseEntityType(s)
		if err != nil {
			return err
		}
		filter.EntityTypes = append(filter.EntityTypes, t)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := gateway.Dial(ctx, baseURL(), filter)
	if err != nil {
		return err
	}
	context.AfterFunc(ctx, func() { _ = client.Close() })

	f := presentation.NewFormatter(cmd.OutOrStdout())
	for {
		env, err := client.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, gateway.ErrClosed) {
				return nil
			}
			return err
		}
		if err := f.FormatJSONLine(env); err != nil {
			return err
		}
	}
}
