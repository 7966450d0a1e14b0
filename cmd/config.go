package cmd

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/config"
	"github.com/zjrosen/fleetreg/internal/flags"
	"github.com/zjrosen/fleetreg/internal/paths"
	"github.com/zjrosen/fleetreg/internal/presentation"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit fleetreg configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding every default",
	Long: `Write the default configuration to path, or to the user config file
($XDG_CONFIG_HOME/fleetreg/config.yaml) when no path is given.`,
	Args: cobra.MaximumNArgs(1),
	// Skip loading: the file may not exist yet.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := paths.UserConfigFile()
		if len(args) == 1 {
			path = paths.Expand(args[0])
		}
		if path == "" {
			return fmt.Errorf("cannot determine a config location; pass a path")
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
		return err
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfgUsed != "" {
			printErr(cmd, "# from %s", cfgUsed)
		}
		return presentation.NewFormatter(cmd.OutOrStdout()).FormatJSON(cfg)
	},
}

var configFlagCmd = &cobra.Command{
	Use:       "flag <name> <on|off>",
	Short:     "Turn a feature flag on or off in the config file",
	Args:      cobra.ExactArgs(2),
	ValidArgs: flags.Known,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, state := args[0], args[1]
		if !slices.Contains(flags.Known, name) {
			return fmt.Errorf("unknown flag %q (known: %v)", name, flags.Known)
		}
		var enabled bool
		switch state {
		case "on", "true":
			enabled = true
		case "off", "false":
		default:
			return fmt.Errorf("state must be on or off, got %q", state)
		}

		path := cfgUsed
		if path == "" {
			path = paths.UserConfigFile()
		}
		if err := config.SetFlag(path, name, enabled); err != nil {
			return err
		}
		printErr(cmd, "%s: %s = %t", path, name, enabled)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd, configFlagCmd)
	rootCmd.AddCommand(configCmd)
}
