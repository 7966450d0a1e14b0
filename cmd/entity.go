package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/presentation"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

var (
	regType        string
	regName        string
	regCaps        []string
	regMeta        []string
	regInterval    time.Duration
	regIdempotency string

	updateVersion int64
	updateName    string

	deregVersion int64
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an entity",
	Long: `Register an agent, leader, department, division, database or server.

The entity starts in the "starting" state and becomes online after its first
heartbeat. The new id and version are printed as JSON.

Metadata values are typed: integers, floats and true/false are stored as
such, [a,b] is a string list, anything else is a string.

Examples:
  fleetreg register --type agent --name analyst-1 --cap analysis --cap summarize
  fleetreg register -t database -n postgres --interval 15s --meta region=eu-west
  fleetreg register -t agent -n worker --meta replicas=3 --meta tags=[gpu,eu]
  fleetreg register -t agent -n worker --idempotency-key 5f1c...`,
	RunE: runRegister,
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <id>",
	Short: "Record a heartbeat for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := newClient().Heartbeat(ctx, domain.EntityID(args[0]))
		if err != nil {
			return err
		}
		return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(res)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		e, err := newClient().Get(ctx, domain.EntityID(args[0]))
		if err != nil {
			return err
		}
		return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(e)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change an entity's name, capabilities, metadata or heartbeat interval",
	Long: `Apply a partial update guarded by the entity's current version.

Only the flags that are given are changed. --cap replaces the whole
capability set; --meta merges keys into the existing metadata.

Example:
  fleetreg update 0f3c... --version 4 --cap analysis --interval 1m`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

var deregisterCmd = &cobra.Command{
	Use:   "deregister <id>",
	Short: "Deregister an entity",
	Long: `Move an entity to its terminal deregistered state.

--version guards against concurrent changes; 0 skips the check.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := newClient().Deregister(ctx, domain.EntityID(args[0]), deregVersion); err != nil {
			return err
		}
		printErr(cmd, "deregistered %s", args[0])
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVarP(&regType, "type", "t", "", "entity type (agent, leader, department, division, database, server)")
	registerCmd.Flags().StringVarP(&regName, "name", "n", "", "entity name, unique among live entities of the same type")
	registerCmd.Flags().StringSliceVar(&regCaps, "cap", nil, "capability (repeatable or comma separated)")
	registerCmd.Flags().StringArrayVarP(&regMeta, "meta", "m", nil, "metadata key=value (repeatable)")
	registerCmd.Flags().DurationVar(&regInterval, "interval", 0, "expected heartbeat interval (default from server config)")
	registerCmd.Flags().StringVar(&regIdempotency, "idempotency-key", "", "makes retries of this registration safe")
	_ = registerCmd.MarkFlagRequired("type")
	_ = registerCmd.MarkFlagRequired("name")

	updateCmd.Flags().Int64Var(&updateVersion, "version", 0, "current version of the entity (required)")
	updateCmd.Flags().StringVar(&updateName, "name", "", "new name")
	updateCmd.Flags().StringSliceVar(&regCaps, "cap", nil, "replacement capability set")
	updateCmd.Flags().StringArrayVarP(&regMeta, "meta", "m", nil, "metadata key=value to merge (repeatable)")
	updateCmd.Flags().DurationVar(&regInterval, "interval", 0, "new heartbeat interval")
	_ = updateCmd.MarkFlagRequired("version")

	deregisterCmd.Flags().Int64Var(&deregVersion, "version", 0, "expected version (0 skips the check)")

	rootCmd.AddCommand(registerCmd, heartbeatCmd, getCmd, updateCmd, deregisterCmd)
}

func runRegister(cmd *cobra.Command, _ []string) error {
	typ, err := domain.ParseEntityType(regType)
	if err != nil {
		return err
	}
	meta, err := parseMetadata(regMeta)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	res, err := newClient().Register(ctx, domain.RegisterRequest{
		Type:              typ,
		Name:              regName,
		Capabilities:      regCaps,
		Metadata:          meta,
		HeartbeatInterval: domain.Duration(regInterval),
		IdempotencyToken:  regIdempotency,
	})
	if err != nil {
		return err
	}
	return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(res)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	var patch domain.Patch
	if cmd.Flags().Changed("name") {
		patch.Name = &updateName
	}
	if cmd.Flags().Changed("cap") {
		caps := regCaps
		patch.Capabilities = &caps
	}
	if cmd.Flags().Changed("interval") {
		d := domain.Duration(regInterval)
		patch.HeartbeatInterval = &d
	}
	meta, err := parseMetadata(regMeta)
	if err != nil {
		return err
	}
	patch.Metadata = meta

	ctx, cancel := commandContext(cmd)
	defer cancel()
	v, err := newClient().Update(ctx, domain.EntityID(args[0]), updateVersion, patch)
	if err != nil {
		return err
	}
	return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(map[string]int64{"version": v})
}

// parseMetadata turns key=value pairs into typed metadata.
func parseMetadata(pairs []string) (domain.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(domain.Metadata, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: metadata must look like key=value, got %q", domain.ErrInvalidArgument, pair)
		}
		meta[key] = parseValue(strings.TrimSpace(raw))
	}
	return meta, nil
}

func parseValue(raw string) domain.Value {
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		if inner == "" {
			return domain.List()
		}
		items := strings.Split(inner, ",")
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}
		return domain.List(items...)
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return domain.Int(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return domain.Float(f)
	}
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return domain.Bool(b)
	}
	return domain.String(raw)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeoutArg)
}
