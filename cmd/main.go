package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"usage-monitor/internal/analytics"
	"usage-monitor/internal/cache"
	"usage-monitor/internal/config"
	"usage-monitor/internal/server"

	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagAddr      string
	flagRedisAddr string
	flagNoRedis   bool
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:          "usage-monitor",
	Short:        "Streaming API usage monitor",
	Long:         "Ingest API call events, keep sliding-window metrics and flag anomalies against a learned baseline.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().StringVar(&flagRedisAddr, "redis-addr", "", "Redis address (overrides config)")
	rootCmd.Flags().BoolVar(&flagNoRedis, "no-redis", false, "Run without anomaly history")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", flagLogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if flagRedisAddr != "" {
		cfg.Redis.Addr = flagRedisAddr
	}
	if flagNoRedis {
		cfg.Redis.Enabled = false
	}

	engine, err := analytics.New(cfg.Monitor, analytics.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var history server.History
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Redis.HistorySize, cfg.Redis.TTL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		history = redisClient
		logger.Info("anomaly history enabled", slog.String("redis", cfg.Redis.Addr))
	}

	logger.Info("starting usage monitor",
		slog.String("addr", cfg.Server.Addr),
		slog.Duration("window", cfg.Monitor.WindowDuration),
		slog.Duration("snapshot_interval", cfg.Server.SnapshotInterval))

	return server.New(engine, history, cfg, logger).Run(ctx, cfg.Server.Addr)
}
