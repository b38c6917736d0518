// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hearth/lib/authchain"
	"github.com/bureau-foundation/hearth/lib/config"
	"github.com/bureau-foundation/hearth/lib/control"
	"github.com/bureau-foundation/hearth/lib/cursor"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/federation"
	"github.com/bureau-foundation/hearth/lib/join"
	"github.com/bureau-foundation/hearth/lib/metrics"
	"github.com/bureau-foundation/hearth/lib/presence"
	"github.com/bureau-foundation/hearth/lib/quarantine"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/room"
	"github.com/bureau-foundation/hearth/lib/sealed"
	"github.com/bureau-foundation/hearth/lib/secret"
	"github.com/bureau-foundation/hearth/lib/signing"
	"github.com/bureau-foundation/hearth/lib/state"
	"github.com/bureau-foundation/hearth/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("hearthd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default: $HEARTH_CONFIG, then "+config.DefaultPath+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("hearthd")
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	self, err := ref.ParseServerName(cfg.Server.Name)
	if err != nil {
		return fmt.Errorf("invalid server name: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	set := metrics.NewSet(registry)

	store, err := openStore(cfg, set)
	if err != nil {
		return err
	}
	defer store.Close()

	rules, err := loadRules(cfg)
	if err != nil {
		return err
	}
	chains, err := authchain.New(store, authchain.Options{Metrics: set})
	if err != nil {
		return fmt.Errorf("building auth chain resolver: %w", err)
	}
	defer chains.Close()

	reports, err := quarantine.NewStore(cfg.QuarantineDir())
	if err != nil {
		return fmt.Errorf("opening quarantine store: %w", err)
	}
	warnQuarantined(logger, reports)

	rooms, err := room.NewManager(room.Options{
		Store:    store,
		Resolver: state.NewResolver(rules, store, chains),
		Registry: rules,
		Reports:  reports,
		Metrics:  set,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("starting room manager: %w", err)
	}
	defer rooms.Close()

	cursors, err := cursor.NewManager(cursor.Options{
		Path:   cfg.CursorDBPath(),
		Source: store,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("starting cursor manager: %w", err)
	}
	defer cursors.Close()

	tracker := presence.NewTracker(presence.Options{
		Debounce:       cfg.Presence.Debounce.Value(),
		RecencyWindow:  cfg.Presence.RecencyWindow.Value(),
		IdleTimeout:    cfg.Presence.IdleTimeout.Value(),
		OfflineTimeout: cfg.Presence.OfflineTimeout.Value(),
		Metrics:        set,
		Logger:         logger,
	})

	joins, key, err := buildJoins(cfg, self, store, chains, rooms, rules, set, logger)
	if err != nil {
		return err
	}
	if key != nil {
		defer key.Close()
	}

	controlServer, err := control.NewServer(control.Options{
		SocketPath: cfg.Control.SocketPath,
		Self:       self,
		Store:      store,
		Rooms:      rooms,
		Cursors:    cursors,
		Presence:   tracker,
		Reports:    reports,
		Joins:      joins,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("building control server: %w", err)
	}

	controlDone := make(chan error, 1)
	go func() { controlDone <- controlServer.Serve(ctx) }()

	metricsDone := serveMetrics(ctx, cfg.Metrics.ListenAddr, registry, logger)

	go runRetention(ctx, store, cfg.Retention, logger)
	go runMaintenance(ctx, tracker, chains, set)

	logger.Info("hearthd running",
		"server", self.String(),
		"data_dir", cfg.Server.DataDir,
		"control", cfg.Control.SocketPath,
		"federation", joins != nil,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-controlDone; err != nil {
		logger.Error("control server error", "error", err)
	}
	if metricsDone != nil {
		<-metricsDone
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func openStore(cfg *config.Config, set *metrics.Set) (*eventstore.Store, error) {
	options := eventstore.Options{
		Dir:           cfg.EventStoreDir(),
		FsyncInterval: cfg.Storage.FsyncInterval.Value(),
		Compression:   cfg.Storage.Compression,
		Metrics:       set,
	}
	switch cfg.Storage.FsyncMode {
	case "always":
		options.FsyncMode = eventstore.FsyncAlways
	case "interval":
		options.FsyncMode = eventstore.FsyncInterval
	case "never":
		options.FsyncMode = eventstore.FsyncNever
	}

	if cfg.Storage.EncryptionKeyFile != "" {
		if cfg.Signing.IdentityFile == "" {
			return nil, fmt.Errorf("storage.encryption_key_file requires signing.identity_file to unseal it")
		}
		identity, err := secret.ReadFromPath(cfg.Signing.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("reading age identity: %w", err)
		}
		defer identity.Close()
		key, err := sealed.UnsealFromFile(cfg.Storage.EncryptionKeyFile, identity)
		if err != nil {
			return nil, fmt.Errorf("unsealing store encryption key: %w", err)
		}
		options.EncryptionKey = key
	}

	store, err := eventstore.Open(options)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	return store, nil
}

func loadRules(cfg *config.Config) (*state.Registry, error) {
	if cfg.Server.RulesFile != "" {
		registry, err := state.LoadRegistryFile(cfg.Server.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading rule table override: %w", err)
		}
		return registry, nil
	}
	registry, err := state.LoadRegistry()
	if err != nil {
		return nil, fmt.Errorf("loading rule table: %w", err)
	}
	return registry, nil
}

// warnQuarantined surfaces quarantined rooms at startup. The room
// manager refuses to start their actors; the operator clears the
// report once the divergence is understood.
func warnQuarantined(logger *slog.Logger, reports *quarantine.Store) {
	quarantined, err := reports.List()
	if err != nil {
		logger.Error("listing quarantine reports", "error", err)
		return
	}
	for _, roomID := range quarantined {
		logger.Warn("room is quarantined; mutation refused until cleared", "room", roomID.String())
	}
}

// buildJoins wires the join coordinator when a signing key is
// configured. Without an attached transport the coordinator still
// runs, answering every attempt with a clean denial.
func buildJoins(cfg *config.Config, self ref.ServerName, store *eventstore.Store, chains *authchain.Resolver, rooms *room.Manager, rules *state.Registry, set *metrics.Set, logger *slog.Logger) (*join.Coordinator, *signing.Key, error) {
	if cfg.Signing.KeyFile == "" || cfg.Signing.IdentityFile == "" {
		logger.Info("no signing key configured; federation join disabled")
		return nil, nil, nil
	}
	identity, err := secret.ReadFromPath(cfg.Signing.IdentityFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading age identity: %w", err)
	}
	defer identity.Close()
	key, err := signing.LoadSealed(cfg.Signing.KeyFile, identity)
	if err != nil {
		return nil, nil, err
	}

	joins, err := join.NewCoordinator(join.Options{
		Self:           self,
		Key:            key,
		Client:         federation.Unavailable{},
		Store:          store,
		Chains:         chains,
		Rooms:          rooms,
		Registry:       rules,
		AttemptTimeout: cfg.Join.AttemptTimeout.Value(),
		ServerTimeout:  cfg.Join.ServerTimeout.Value(),
		InitialBackoff: cfg.Join.InitialBackoff.Value(),
		MaxBackoff:     cfg.Join.MaxBackoff.Value(),
		Metrics:        set,
		Logger:         logger,
	})
	if err != nil {
		key.Close()
		return nil, nil, fmt.Errorf("building join coordinator: %w", err)
	}
	return joins, key, nil
}

// serveMetrics exposes the Prometheus registry when an address is
// configured. Returns nil when metrics are disabled.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) <-chan struct{} {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("metrics listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	return done
}
