package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/fleetreg/internal/config"
	"github.com/zjrosen/fleetreg/internal/controlplane/api"
	"github.com/zjrosen/fleetreg/internal/log"
)

var (
	version    = "dev"
	cfgFile    string
	cfg        config.Config
	cfgUsed    string
	serverURL  string
	actorFlag  string
	timeoutArg time.Duration
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "fleetreg",
	Short: "A registry for services, agents and the infrastructure they depend on",
	Long: `fleetreg tracks every agent, leader, department, division, database and
server in a fleet: who is registered, what they can do, how healthy they are
and what they depend on.

Run "fleetreg serve" to start the registry daemon. Every other command is a
client of a running daemon's HTTP API.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.fleetreg.yaml, then $XDG_CONFIG_HOME/fleetreg/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "",
		"registry API base URL (default: derived from api.addr)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "",
		"actor recorded in the audit trail (default: $USER)")
	rootCmd.PersistentFlags().DurationVar(&timeoutArg, "timeout", 10*time.Second,
		"request timeout for client commands")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"log at debug level")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	loaded, used, err := config.Load(viper.New(), cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded
	cfgUsed = used

	log.InitWriter(cmd.ErrOrStderr())
	log.SetMinLevel(logLevel())
	if used != "" {
		log.Debug(log.CatConfig, "using config file", "path", used)
	}
	return nil
}

func logLevel() log.Level {
	if debugFlag {
		return log.LevelDebug
	}
	return cfg.LogLevel()
}

// baseURL returns --server, or an http URL for the configured listen address.
func baseURL() string {
	if serverURL != "" {
		return serverURL
	}
	return "http://" + cfg.API.Addr
}

func actor() string {
	if actorFlag != "" {
		return actorFlag
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func newClient() *api.Client {
	return api.NewClient(baseURL(), actor(), timeoutArg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func printErr(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
}
