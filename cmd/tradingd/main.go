// Package main is the entry point for the order pipeline service: HTTP order
// API, execution engine, risk monitor and reconciler in a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/alerting"
	"github.com/mlukyanov/tradecore/internal/api"
	"github.com/mlukyanov/tradecore/internal/auth"
	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/broker/mt5"
	"github.com/mlukyanov/tradecore/internal/broker/sim"
	"github.com/mlukyanov/tradecore/internal/bus"
	"github.com/mlukyanov/tradecore/internal/config"
	"github.com/mlukyanov/tradecore/internal/execution"
	"github.com/mlukyanov/tradecore/internal/metrics"
	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/risk"
	"github.com/mlukyanov/tradecore/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tradingd - Order Pipeline Service

Usage:
  tradingd <command> [options]

Commands:
  run        Start the order pipeline (API, engine, risk monitor, reconciler)
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  tradingd run --config config.yaml
  tradingd validate --config config.yaml

Use "tradingd <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("tradingd version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Broker: %s\n", cfg.Broker.Type)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Driver)
	fmt.Printf("  Risk rules: %d\n", len(cfg.Risk.Rules))
	fmt.Printf("  Alert channels: %d\n", len(cfg.Alerting.Channels))
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	// A malformed master key refuses startup rather than surfacing on first
	// secret access.
	if cfg.Auth.MasterKey != "" {
		if _, err := auth.NewVaultFromBase64(cfg.Auth.MasterKey); err != nil {
			slog.Error("invalid master key", "err", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("tradingd starting",
		"version", Version,
		"broker", cfg.Broker.Type,
		"storage", cfg.Storage.Driver,
	)

	alerter := buildAlerter(cfg, logger)

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to open repository", "err", err)
		os.Exit(1)
	}

	// The shared bus is optional: without it the kill switch is process-local
	// and order events are not fanned out to gateway instances.
	var sharedBus *bus.Bus
	if cfg.Bus.Addr != "" {
		sharedBus, err = bus.New(ctx, cfg.Bus, logger)
		if err != nil {
			slog.Error("failed to connect bus", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("bus address not configured, running with process-local kill switch only")
	}

	connector, err := buildConnector(cfg, alerter, logger)
	if err != nil {
		slog.Error("failed to build broker connector", "err", err)
		os.Exit(1)
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	err = connector.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		slog.Error("failed to connect broker", "err", err)
		os.Exit(1)
	}

	// The venue owns the account identity; everything downstream keys off it.
	account, err := connector.GetAccountInfo(ctx)
	if err != nil {
		slog.Error("failed to fetch account info", "err", err)
		os.Exit(1)
	}

	// Survive restarts without double-submitting: reseed the client-order map
	// from what the repository already recorded.
	index, err := repo.LoadIdempotencyIndex(ctx)
	if err != nil {
		slog.Error("failed to load idempotency index", "err", err)
		os.Exit(1)
	}
	connector.WarmIdempotency(index)
	slog.Info("idempotency index warmed", "entries", len(index))

	riskEngine := risk.NewEngine(risk.Config{
		AccountID:         account.AccountID,
		MonitorInterval:   cfg.MonitorInterval(),
		KillSwitchRetries: cfg.Risk.KillSwitchRetries,
	}, cfg.ToRiskRules(), repo, connector, alerter, logger)
	riskEngine.SetOrderSource(repo)
	if sharedBus != nil {
		riskEngine.SetFlagger(sharedBus)
		riskEngine.SetBroadcaster(sharedBus)
	}

	events, err := execution.NewEvents(0, logger)
	if err != nil {
		slog.Error("failed to create event dispatcher", "err", err)
		os.Exit(1)
	}

	engine := execution.NewEngine(execution.Config{AccountID: account.AccountID},
		repo, connector, riskEngine, events, logger)
	riskEngine.BindOrderCanceler(engine)

	if sharedBus != nil {
		forwardOrderEvents(events, sharedBus)
	}

	reconciler := execution.NewReconciler(execution.ReconcilerConfig{
		Interval: cfg.ReconcileInterval(),
	}, engine, repo, connector, logger)

	riskEngine.Start(ctx)
	reconciler.Start(ctx)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(metrics.ServerConfig{
			Service:     "tradingd",
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, logger)
		metricsServer.RegisterHealthCheck("broker", func() metrics.Check {
			if connector.IsConnected() {
				return metrics.Healthy()
			}
			return metrics.Unhealthy("broker disconnected")
		})
		metricsServer.RegisterHealthCheck("storage", func() metrics.Check {
			probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := repo.GetAccountState(probeCtx, account.AccountID); err != nil {
				return metrics.Unhealthy(err.Error())
			}
			return metrics.Healthy()
		})
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	apiServer := api.NewServer(api.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, engine, repo, connector.IsConnected, logger)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start api server", "err", err)
		os.Exit(1)
	}

	slog.Info("tradingd started",
		"account_id", account.AccountID,
		"currency", account.Currency,
		"rules", len(riskEngine.Rules()),
	)
	if cfg.IsAlertEventEnabled(string(alerting.EventServiceStarted)) {
		sendAlert(ctx, alerter, alerting.EventServiceStarted, "Trading service started",
			"account_id", account.AccountID,
			"broker", cfg.Broker.Type,
		)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout(),
	)
	defer cancel()

	svc := &services{
		cfg:        cfg,
		api:        apiServer,
		metrics:    metricsServer,
		reconciler: reconciler,
		risk:       riskEngine,
		engine:     engine,
		events:     events,
		connector:  connector,
		repo:       repo,
		bus:        sharedBus,
		alerter:    alerter,
	}
	if err := shutdown(shutdownCtx, svc); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("tradingd shutdown complete")
}

// services bundles everything cmdRun starts, in the order shutdown stops it.
type services struct {
	cfg        *config.Config
	api        *api.Server
	metrics    *metrics.Server
	reconciler *execution.Reconciler
	risk       *risk.Engine
	engine     *execution.Engine
	events     *execution.Events
	connector  broker.Connector
	repo       persistence.Repository
	bus        *bus.Bus
	alerter    alerting.Alerter
}

func shutdown(ctx context.Context, svc *services) error {
	slog.Info("starting graceful shutdown",
		"timeout", svc.cfg.ShutdownTimeout(),
	)

	if svc.cfg.IsAlertEventEnabled(string(alerting.EventServiceStopped)) {
		sendAlert(ctx, svc.alerter, alerting.EventServiceStopped, "Trading service stopping")
	}

	// Shutdown steps with timeout check
	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop api server", func() error {
			return svc.api.Shutdown(ctx)
		}},
		{"stop reconciler", func() error {
			svc.reconciler.Stop()
			return nil
		}},
		{"stop risk monitor", func() error {
			svc.risk.Stop()
			return nil
		}},
		{"flatten account", func() error {
			if !svc.cfg.Shutdown.ClosePositionsOnShutdown {
				return nil
			}
			if _, err := svc.engine.CancelAllOrders(ctx); err != nil {
				return err
			}
			_, err := svc.connector.CloseAllPositions(ctx, "")
			return err
		}},
		{"drain events", func() error {
			svc.events.Close()
			return nil
		}},
		{"disconnect broker", func() error {
			return svc.connector.Disconnect(ctx)
		}},
		{"close repository", func() error {
			return svc.repo.Close()
		}},
		{"close bus", func() error {
			if svc.bus == nil {
				return nil
			}
			return svc.bus.Close()
		}},
		{"stop metrics server", func() error {
			if svc.metrics == nil {
				return nil
			}
			return svc.metrics.Shutdown(ctx)
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}

	// Small delay to allow final log messages
	time.Sleep(100 * time.Millisecond)

	return nil
}

// buildAlerter assembles the configured alert channels behind a single dedupe
// window. Returns nil when alerting is disabled; every consumer treats a nil
// alerter as "don't alert".
func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled || len(cfg.Alerting.Channels) == 0 {
		return nil
	}

	channels := make([]alerting.Alerter, 0, len(cfg.Alerting.Channels))
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			channels = append(channels, alerting.NewConsoleAlerter(logger))
		case "telegram":
			channels = append(channels, alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		}
	}

	var alerter alerting.Alerter
	if len(channels) == 1 {
		alerter = channels[0]
	} else {
		alerter = alerting.NewMultiAlerter(logger, channels...)
	}
	return alerting.NewDedupeAlerter(alerter, cfg.DedupeWindow(), logger)
}

// buildConnector picks the venue implementation from config. The sim venue is
// pre-seeded with a couple of symbols so a development run accepts orders out
// of the box.
func buildConnector(cfg *config.Config, alerter alerting.Alerter, logger *slog.Logger) (broker.Connector, error) {
	switch cfg.Broker.Type {
	case "mt5":
		bridgeCfg := mt5.DefaultConfig()
		bridgeCfg.Host = cfg.Broker.Host
		bridgeCfg.Port = cfg.Broker.Port
		bridgeCfg.Login = cfg.Broker.Login
		bridgeCfg.Password = cfg.Broker.Password
		bridgeCfg.Server = cfg.Broker.Server
		bridgeCfg.HeartbeatInterval = cfg.HeartbeatInterval()
		bridgeCfg.RequestTimeout = cfg.RequestTimeout()
		bridgeCfg.ReconnectAttempts = cfg.Broker.ReconnectAttempts
		bridgeCfg.ReconnectDelay = cfg.ReconnectDelay()
		bridgeCfg.BackoffMultiplier = cfg.Broker.ReconnectMultiplier
		bridgeCfg.MaxRequestsPerSecond = cfg.Broker.RateLimitPerSecond
		bridgeCfg.Deviation = cfg.Broker.Deviation
		bridgeCfg.Magic = cfg.Broker.Magic

		client := mt5.NewClient(bridgeCfg, logger)
		if alerter != nil {
			client.SetAlerter(alerter)
		}
		return client, nil
	case "sim", "":
		venue := sim.New(sim.DefaultConfig(), logger)
		seedSimMarket(venue)
		return venue, nil
	default:
		return nil, fmt.Errorf("broker type %q is not supported", cfg.Broker.Type)
	}
}

// openRepository picks the storage driver from config. Both constructors run
// migrations before returning.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (persistence.Repository, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return persistence.NewPostgresRepository(ctx, persistence.PostgresConfig{
			DSN:            cfg.Storage.DSN,
			MinConns:       int32(cfg.Storage.MinConns),
			MaxConns:       int32(cfg.Storage.MaxConns),
			CommandTimeout: cfg.CommandTimeout(),
		}, logger)
	case "sqlite":
		return persistence.NewSQLiteRepository(cfg.Storage.Path, logger)
	default:
		return nil, fmt.Errorf("storage driver %q is not supported", cfg.Storage.Driver)
	}
}

// forwardOrderEvents republishes order lifecycle events on the shared bus so
// gateway instances can push them to the owning account's sockets.
func forwardOrderEvents(events *execution.Events, b *bus.Bus) {
	for _, event := range []string{
		types.EventOrderCreated,
		types.EventOrderUpdated,
		types.EventOrderFilled,
		types.EventOrderRejected,
		types.EventOrderCanceled,
	} {
		event := event
		events.Subscribe(event, func(ctx context.Context, order *types.Order) error {
			return b.Publish(ctx, "order_updates:"+order.AccountID, map[string]any{
				"user_id": order.AccountID,
				"event":   event,
				"order":   order,
			})
		})
	}
}

func sendAlert(ctx context.Context, alerter alerting.Alerter, event alerting.AlertEvent, message string, fields ...any) {
	if alerter == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := alerter.Alert(actx, alerting.EventSeverity(event), message, fields...); err != nil {
		slog.Warn("alert delivery failed", "event", event, "err", err)
	}
}

func seedSimMarket(venue *sim.Connector) {
	venue.SetSymbol(types.SymbolSpec{
		Name:         "EURUSD",
		TradeMode:    types.TradeModeFull,
		Digits:       5,
		Point:        decimal.New(1, -5),
		TickSize:     decimal.New(1, -5),
		VolumeMin:    decimal.NewFromFloat(0.01),
		VolumeMax:    decimal.NewFromInt(100),
		VolumeStep:   decimal.NewFromFloat(0.01),
		StopsLevel:   10,
		ContractSize: decimal.NewFromInt(100000),
		Bid:          decimal.NewFromFloat(1.08650),
		Ask:          decimal.NewFromFloat(1.08662),
	})
	venue.SetSymbol(types.SymbolSpec{
		Name:         "XAUUSD",
		TradeMode:    types.TradeModeFull,
		Digits:       2,
		Point:        decimal.New(1, -2),
		TickSize:     decimal.New(1, -2),
		VolumeMin:    decimal.NewFromFloat(0.01),
		VolumeMax:    decimal.NewFromInt(50),
		VolumeStep:   decimal.NewFromFloat(0.01),
		StopsLevel:   30,
		ContractSize: decimal.NewFromInt(100),
		Bid:          decimal.NewFromFloat(2511.40),
		Ask:          decimal.NewFromFloat(2511.75),
	})
}
