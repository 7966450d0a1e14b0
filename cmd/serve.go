package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/bus"
	"github.com/zjrosen/fleetreg/internal/config"
	"github.com/zjrosen/fleetreg/internal/controlplane"
	"github.com/zjrosen/fleetreg/internal/controlplane/api"
	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/flags"
	"github.com/zjrosen/fleetreg/internal/gateway"
	"github.com/zjrosen/fleetreg/internal/health"
	"github.com/zjrosen/fleetreg/internal/infrastructure/sqlite"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/manifest"
	"github.com/zjrosen/fleetreg/internal/policy"
	"github.com/zjrosen/fleetreg/internal/registry/cache"
	"github.com/zjrosen/fleetreg/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry daemon",
	Long: `Run the registry daemon: the durable store, read cache, health monitor,
discovery engine, event gateway and HTTP API, plus any optional components
switched on under "flags" in the config.

The daemon listens on api.addr (default 127.0.0.1:7420) and stops cleanly on
SIGINT or SIGTERM.

Examples:
  fleetreg serve
  fleetreg serve --addr 0.0.0.0:7420 --manifest fleet.yaml
  FLEETREG_FLAGS_SEARCH_INDEX=true fleetreg serve`,
	RunE: runServe,
}

var (
	serveAddr     string
	serveManifest string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides api.addr)")
	serveCmd.Flags().StringVar(&serveManifest, "manifest", "", "manifest to apply at start (overrides manifest.path)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}
	if serveManifest != "" {
		cfg.Manifest.Path = serveManifest
	}

	if cfg.Log.Path != "" {
		cleanup, err := log.Init(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		log.SetMinLevel(logLevel())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	log.Info(log.CatConfig, "fleetreg daemon starting",
		"version", version,
		"store", cfg.Store.Path,
		"config", cfgUsed,
		"flags", d.flags.All())

	if err := d.start(ctx); err != nil {
		stop()
		d.wait()
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "fleetreg listening on %s\n", cfg.API.Addr)

	err = d.server.Run(ctx)
	if err != nil {
		stop()
	}
	d.wait()
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "fleetreg stopped")
	return err
}

// daemon owns every long-lived component of the registry process.
type daemon struct {
	cfg   config.Config
	flags *flags.Registry

	tracing  *tracing.Provider
	db       *sqlite.DB
	cache    *cache.Cache
	core     *controlplane.Core
	monitor  *health.Monitor
	index    *discovery.Index
	engine   *discovery.Engine
	gateway  *gateway.Gateway
	server   *api.Server
	conn     bus.Conn
	bridge   *bus.Bridge
	exporter *discovery.Exporter

	indexing bool
}

// newDaemon wires the components described by cfg without starting any
// background work.
func newDaemon(ctx context.Context, cfg config.Config) (d *daemon, err error) {
	d = &daemon{cfg: cfg, flags: flags.New(cfg.Flags)}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.tracing, err = tracing.NewProvider(cfg.Tracing); err != nil {
		return nil, fmt.Errorf("creating tracer: %w", err)
	}
	tracer := d.tracing.Tracer()

	if d.db, err = sqlite.NewDB(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	d.cache = cache.New(cfg.Cache.CacheOptions())

	var authz policy.Authorizer = policy.AllowAll{}
	if d.flags.Enabled(flags.FlagOPAAuthz) {
		opa, err := policy.LoadOPA(ctx, cfg.Policy.Path)
		if err != nil {
			return nil, fmt.Errorf("loading policy: %w", err)
		}
		authz = opa
		log.Info(log.CatPolicy, "OPA authorization enabled", "policy", cfg.Policy.Path)
	}

	d.core, err = controlplane.New(controlplane.Config{
		Store:                    d.db,
		Cache:                    d.cache,
		Authorizer:               authz,
		Tracer:                   tracer,
		Health:                   cfg.Health.Policy(),
		DefaultHeartbeatInterval: cfg.Health.DefaultHeartbeatInterval,
		Retry:                    cfg.Store.Retry(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating registry core: %w", err)
	}

	d.monitor, err = health.New(d.core, health.Config{
		Interval:        cfg.Health.SweepInterval,
		Workers:         cfg.Health.Workers,
		DeregisterAfter: cfg.Health.DeregisterAfter,
		Policy:          cfg.Health.Policy(),
		Tracer:          tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("creating health monitor: %w", err)
	}

	if d.flags.Enabled(flags.FlagSearchIndex) {
		if d.index, err = discovery.NewIndex(d.cache); err != nil {
			return nil, fmt.Errorf("creating search index: %w", err)
		}
	}
	d.engine, err = discovery.New(discovery.Config{
		Entities: d.db.Entities(),
		Cache:    d.cache,
		Retry:    cfg.Store.Retry(),
		Tracer:   tracer,
		Search:   d.index,
		Strategy: discovery.Strategy(cfg.Discovery.DefaultStrategy),
	})
	if err != nil {
		return nil, fmt.Errorf("creating discovery engine: %w", err)
	}

	d.gateway = gateway.New(d.cache, cfg.Gateway)

	if d.flags.Enabled(flags.FlagNATSBridge) {
		conn, err := bus.Connect(cfg.Bus)
		if err != nil {
			return nil, err
		}
		d.conn = conn
		d.bridge = bus.NewBridge(conn, cfg.Bus.Prefix, d.cache, d.core)
	}

	if d.flags.Enabled(flags.FlagSummaryExport) {
		var publishers []discovery.SummaryPublisher
		if d.bridge != nil {
			publishers = append(publishers, func(s discovery.Summary) error { return d.bridge.PublishSummary(s) })
		}
		d.exporter = discovery.NewExporter(d.engine, cfg.Summary.Interval, publishers...)
	}

	d.server, err = api.New(cfg.API, api.Deps{
		Registry:  d.core,
		Discovery: d.engine,
		Events:    d.gateway,
		Ping:      d.db.Ping,
	})
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}
	return d, nil
}

// start warms the cache, applies the manifest and launches every
// background component. Cancelling ctx stops them; call wait afterwards.
func (d *daemon) start(ctx context.Context) error {
	if d.index != nil {
		d.index.Start(ctx)
		d.indexing = true
	}
	if err := d.engine.Reload(ctx); err != nil {
		return fmt.Errorf("loading cache: %w", err)
	}

	if path := d.cfg.Manifest.Path; path != "" {
		plan, err := manifest.Load(path)
		if err != nil {
			return err
		}
		if _, err := manifest.Apply(ctx, d.core, plan); err != nil {
			return fmt.Errorf("applying manifest: %w", err)
		}
		if d.flags.Enabled(flags.FlagManifestWatch) {
			if err := manifest.Watch(ctx, path, d.cfg.Manifest.Debounce, d.core, nil); err != nil {
				return fmt.Errorf("watching manifest: %w", err)
			}
		}
	}

	if d.bridge != nil {
		if err := d.bridge.Start(ctx); err != nil {
			return err
		}
	}
	d.monitor.Start(ctx)
	if d.exporter != nil {
		d.exporter.Start(ctx)
	}
	return nil
}

// wait blocks until background loops started by start have exited. The
// context passed to start must already be cancelled.
func (d *daemon) wait() {
	d.monitor.Stop()
	if d.bridge != nil {
		d.bridge.Wait()
	}
	if d.exporter != nil {
		d.exporter.Wait()
	}
	if d.indexing {
		d.index.Wait()
	}
}

// close releases resources in reverse order of creation. Safe on a
// partially built daemon.
func (d *daemon) close() {
	var errs []error
	if d.conn != nil {
		errs = append(errs, d.conn.Close())
	}
	if d.index != nil {
		errs = append(errs, d.index.Close())
	}
	if d.cache != nil {
		d.cache.Close()
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	if d.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.tracing.Shutdown(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn(log.CatConfig, "shutdown incomplete", "error", err)
		_, _ = fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
}
