// Package main is the entry point for the WebSocket fan-out gateway. It
// terminates client sockets and relays bus broadcasts to subscribed users;
// it never touches the broker or the repository.
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

	"golang.org/x/sync/errgroup"

	"github.com/mlukyanov/tradecore/internal/auth"
	"github.com/mlukyanov/tradecore/internal/bus"
	"github.com/mlukyanov/tradecore/internal/config"
	"github.com/mlukyanov/tradecore/internal/gateway"
	"github.com/mlukyanov/tradecore/internal/metrics"
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
	fmt.Println(`gatewayd - WebSocket Fan-out Gateway

Usage:
  gatewayd <command> [options]

Commands:
  run        Start the gateway (socket endpoint + broadcast relay)
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  gatewayd run --config config.yaml
  gatewayd validate --config config.yaml

Use "gatewayd <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("gatewayd version %s\n", Version)
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
	fmt.Printf("  Listen: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("  Bus: %s\n", cfg.Bus.Addr)
	fmt.Printf("  Token issuer: %s\n", cfg.Auth.Issuer)
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

	// Presence, rate limits, revocation checks and the broadcast stream all
	// live on the bus; a gateway without one has nothing to relay.
	if cfg.Bus.Addr == "" {
		slog.Error("bus address is required")
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instanceID := cfg.Gateway.InstanceID
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host
		}
	}

	slog.Info("gatewayd starting",
		"version", Version,
		"instance_id", instanceID,
	)

	sharedBus, err := bus.New(ctx, cfg.Bus, logger)
	if err != nil {
		slog.Error("failed to connect bus", "err", err)
		os.Exit(1)
	}

	// Verify-only token service: the gateway holds the public key, never the
	// signing key.
	publicKey, err := os.ReadFile(cfg.Auth.PublicKeyPath)
	if err != nil {
		slog.Error("failed to read public key", "path", cfg.Auth.PublicKeyPath, "err", err)
		os.Exit(1)
	}
	verifier, err := auth.NewTokenService(auth.Config{
		PublicKeyPEM: publicKey,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		AccessTTL:    cfg.AccessTTL(),
		RefreshTTL:   cfg.RefreshTTL(),
	}, sharedBus, nil, logger)
	if err != nil {
		slog.Error("failed to create token service", "err", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(gateway.Config{
		Host:                    cfg.Gateway.Host,
		Port:                    cfg.Gateway.Port,
		InstanceID:              instanceID,
		MaxConnectionsPerIP:     cfg.Gateway.MaxConnectionsPerIP,
		MaxMessagesPerMinute:    cfg.Gateway.MaxMessagesPerMinute,
		MaxSubscriptionsPerUser: cfg.Gateway.MaxSubscriptionsPerUser,
		HeartbeatCheck:          cfg.HeartbeatCheck(),
		HeartbeatStale:          cfg.HeartbeatStale(),
		RevalidateInterval:      cfg.RevalidateInterval(),
	}, sharedBus, verifier, logger)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(metrics.ServerConfig{
			Service:     "gatewayd",
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, logger)
		metricsServer.RegisterHealthCheck("bus", func() metrics.Check {
			probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, _, err := sharedBus.KillSwitchActive(probeCtx); err != nil {
				return metrics.Unhealthy(err.Error())
			}
			return metrics.Healthy()
		})
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	if err := srv.Start(); err != nil {
		slog.Error("failed to start gateway server", "err", err)
		os.Exit(1)
	}

	slog.Info("gatewayd started",
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"instance_id", instanceID,
	)

	g, gctx := errgroup.WithContext(ctx)

	// Broadcast relay. Returns on signal, or with an error if the stream
	// cannot be established, which tears the whole group down.
	g.Go(func() error {
		return srv.Run(gctx)
	})

	// Shutdown watcher: drop the listener and every socket once the group
	// context ends, bounded by the configured timeout.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			cfg.ShutdownTimeout(),
		)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown failed", "err", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics shutdown failed", "err", err)
			}
		}
		return nil
	})

	err = g.Wait()

	// The relay holds a subscription on the bus, so the bus closes last.
	if closeErr := sharedBus.Close(); closeErr != nil {
		slog.Warn("bus close failed", "err", closeErr)
	}

	if err != nil {
		slog.Error("gatewayd terminated", "err", err)
		os.Exit(1)
	}
	slog.Info("gatewayd shutdown complete")
}
