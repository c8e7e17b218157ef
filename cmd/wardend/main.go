// Wardend is a task escalation and boundary enforcement daemon.
//
// This binary starts the wardend HTTP server with full service
// initialization: the durable store, worker role registry, escalation
// policy, feedback ledger, and optionally the NATS signal feed and the
// roles file watcher.
//
// Configuration is loaded from ~/.config/wardend/config.yaml and
// overridden by environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	wardend
//
//	# Point at an explicit config file
//	wardend -config /etc/wardend/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/assess"
	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/feedback"
	wardhttp "github.com/fyrsmithlabs/wardend/internal/http"
	"github.com/fyrsmithlabs/wardend/internal/logging"
	"github.com/fyrsmithlabs/wardend/internal/metrics"
	"github.com/fyrsmithlabs/wardend/internal/orchestrator"
	"github.com/fyrsmithlabs/wardend/internal/store"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  wardend            Start the wardend daemon\n")
			fmt.Fprintf(os.Stderr, "  wardend version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("wardend by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the wardend server and blocks until context cancellation.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zlog := logger.Underlying()

	logger.Info(ctx, "starting wardend",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Address()),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	// Durable store
	st, err := openStore(cfg, zlog)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Worker roles and registry, with persisted state rehydrated
	registry, err := initRegistry(cfg, st, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize worker registry: %w", err)
	}

	// Escalation policy with restored threshold offsets
	policy := escalation.NewPolicy()
	offsets, err := st.ListOffsets()
	if err != nil {
		return fmt.Errorf("failed to restore threshold offsets: %w", err)
	}
	for domain, offset := range offsets {
		policy.SetOffset(domain, offset)
	}

	assessor := assess.NewAssessor(factorSets(cfg))
	enforcer := boundary.NewEnforcer()
	provider := escalation.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.Timeout.Duration())
	executor := worker.NewHTTPExecutor(cfg.Executor.BaseURL, cfg.Executor.Timeout.Duration())

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ledger := feedback.NewLedger(registry, policy, st, zlog.Named("feedback"))

	raters := make([]escalation.RaterConfig, 0, len(cfg.Orchestrator.Raters))
	for _, r := range cfg.Orchestrator.Raters {
		raters = append(raters, escalation.RaterConfig{
			ID:     r.ID,
			Stance: escalation.Stance(r.Stance),
		})
	}
	orch := orchestrator.New(
		assessor, policy, registry, enforcer, provider, executor,
		st, ledger, zlog.Named("orchestrator"), m,
		orchestrator.Config{
			MaxFanOut:       cfg.Orchestrator.MaxFanOut,
			StrategyTimeout: cfg.Orchestrator.StrategyTimeout.Duration(),
			EventCap:        cfg.Orchestrator.EventCap,
			Raters:          raters,
		},
	)

	// Out-of-band signal feed
	if cfg.Signals.Enabled {
		nc, err := connectNATS(cfg)
		if err != nil {
			return err
		}
		defer nc.Close()

		sub, err := feedback.NewSubscriber(nc, cfg.Signals.Subject, ledger, zlog.Named("signals"))
		if err != nil {
			return err
		}
		if err := sub.Start(ctx); err != nil {
			return err
		}
		defer func() {
			_ = sub.Drain()
		}()
	}

	// Roles file watcher
	if cfg.Roles.File != "" {
		watcher, err := worker.NewWatcher(registry, cfg.Roles.File, zlog.Named("roles"))
		if err != nil {
			return fmt.Errorf("failed to watch roles file: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "roles watcher stopped", zap.Error(err))
			}
		}()
	}

	srv, err := wardhttp.NewServer(orch, st, ledger, reg, logger.Named("http"), &wardhttp.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initLogger builds the structured logger from config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	lcfg.Format = cfg.Logging.Format
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	lcfg.Level = level
	return logging.NewLogger(lcfg)
}

func openStore(cfg *config.Config, logger *zap.Logger) (*store.Store, error) {
	if cfg.Store.InMemory {
		return store.Open(store.InMemoryConfig(), logger.Named("store"))
	}
	scfg := store.DefaultConfig(cfg.Store.Path)
	scfg.GCInterval = cfg.Store.GCInterval.Duration()
	return store.Open(scfg, logger.Named("store"))
}

// initRegistry builds the registry from configured roles, then
// rehydrates learned deny entries and applied delta fingerprints from
// the store.
func initRegistry(cfg *config.Config, st *store.Store, logger *logging.Logger) (*worker.Registry, error) {
	var roles []*worker.Role
	var err error

	if cfg.Roles.File != "" {
		roles, err = worker.LoadRolesFile(cfg.Roles.File)
		if err != nil {
			return nil, err
		}
	} else {
		for _, rc := range cfg.Roles.Roles {
			role, err := worker.RoleFromConfig(rc)
			if err != nil {
				return nil, err
			}
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return nil, errors.New("no worker roles configured")
	}

	registry, err := worker.NewRegistry(roles, st)
	if err != nil {
		return nil, err
	}

	// Persisted roles carry learned deny entries from earlier runs.
	persisted, err := st.ListRoles()
	if err != nil {
		return nil, err
	}
	for _, role := range persisted {
		if err := registry.ReplaceRole(role); err != nil {
			if errors.Is(err, worker.ErrUnknownRole) {
				logger.Warn(context.Background(), "skipping persisted role no longer configured",
					zap.String("role", role.Name))
				continue
			}
			return nil, err
		}
	}

	fingerprints, err := st.ListAppliedFingerprints()
	if err != nil {
		return nil, err
	}
	for _, fp := range fingerprints {
		registry.MarkApplied(fp)
	}

	return registry, nil
}

func factorSets(cfg *config.Config) map[string][]string {
	if len(cfg.Assess.FactorSets) > 0 {
		return cfg.Assess.FactorSets
	}
	return assess.DefaultFactorSets()
}

func connectNATS(cfg *config.Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if cfg.Signals.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Signals.Token.Value()))
	}
	nc, err := nats.Connect(cfg.Signals.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Signals.URL, err)
	}
	return nc, nil
}
