package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"rpcgate/internal/config"
	"rpcgate/internal/network"
	"rpcgate/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.Command{
		Name:  "rpcgate",
		Usage: "JSON-RPC performance layer with caching, deduplication, batching and retries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (.json, .yaml or .yml)",
				Value:   "config.json",
				Sources: cli.EnvVars("RPCGATE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			probeCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the JSON-RPC gateway",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, logger, err := load(c)
			if err != nil {
				return err
			}

			logger.Info().
				Str("config", c.String("config")).
				Str("host", cfg.Host).
				Int("port", cfg.Port).
				Int("networks", len(cfg.Networks)).
				Msg("starting rpcgate")

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			svc, err := network.New(cfg, logger, network.WithRegisterer(registry))
			if err != nil {
				return fmt.Errorf("failed to create network service: %w", err)
			}

			srv := server.New(cfg, svc, registry, logger)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			statsCtx, stopStats := context.WithCancel(ctx)
			defer stopStats()
			go svc.LogStats(statsCtx, cfg.GetStatsLogIntervalDuration())

			// Wait for shutdown signal
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-quit

			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			stopStats()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("error during shutdown")
				return err
			}
			return nil
		},
	}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "query block number and gas price of every configured network",
		UsageText: "rpcgate probe [network...]",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, logger, err := load(c)
			if err != nil {
				return err
			}

			svc, err := network.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create network service: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = svc.Close(closeCtx)
			}()

			networks := c.Args().Slice()
			if len(networks) == 0 {
				networks = svc.Networks()
			}

			failed := 0
			for _, name := range networks {
				block, err := svc.BlockNumber(ctx, name)
				if err != nil {
					logger.Error().Err(err).Str("network", name).Msg("eth_blockNumber failed")
					failed++
					continue
				}
				gp, err := svc.GasPrice(ctx, name)
				if err != nil {
					logger.Error().Err(err).Str("network", name).Msg("eth_gasPrice failed")
					failed++
					continue
				}
				logger.Info().
					Str("network", name).
					Uint64("blockNumber", block).
					Str("gasPrice", humanize.BigComma(gp.GasPrice)).
					Msg("network reachable")
			}

			stats := svc.Stats()
			logger.Info().
				Uint64("requests", stats.TotalRequests).
				Uint64("retried", stats.Retried).
				Dur("avgResponseTime", stats.AvgResponseTime).
				Int("cacheEntries", stats.Cache.TotalEntries).
				Str("cacheMemory", humanize.Bytes(uint64(stats.Cache.MemoryBytes))).
				Msg("probe finished")

			if failed > 0 {
				return fmt.Errorf("%d of %d networks failed", failed, len(networks))
			}
			return nil
		},
	}
}

// load reads the config file and builds the logger
func load(c *cli.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
