package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/api"
	"github.com/ZentaChain/devlink/pkg/config"
	"github.com/ZentaChain/devlink/pkg/network"
	"github.com/ZentaChain/devlink/pkg/observability"
	"github.com/ZentaChain/devlink/pkg/storage"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		apiListen  string
		noAPI      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept device connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if apiListen != "" {
				cfg.API.Listen = apiListen
			}
			if noAPI {
				cfg.API.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("setup logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to devlink.yaml")
	cmd.Flags().StringVar(&listen, "listen", "", "Device listen multiaddr (overrides config)")
	cmd.Flags().StringVar(&apiListen, "api-listen", "", "REST API listen address (overrides config)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Disable the REST API")

	return cmd
}

func connConfig(cfg *config.Config) network.ConnConfig {
	return network.ConnConfig{
		RSABits:           cfg.RSABits,
		WrapPublicKey:     cfg.WrapPublicKey,
		QueueInterval:     cfg.QueueInterval,
		MaxAttempts:       cfg.MaxAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedHeartbeats:  cfg.MissedHeartbeats,
		WriteTimeout:      cfg.WriteTimeout,
		MaxFrameSize:      cfg.MaxFrameSize,
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := network.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := storage.NewDeviceDB(cfg.Storage.Path, cfg.Storage.MaxLogEntries)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Device registry opened", zap.String("path", cfg.Storage.Path))

	rec := newRecorder(db, logger)
	host, err := network.NewHost(cfg.Listen, connConfig(cfg), rec.callbacks(),
		network.WithLogger(logger),
		network.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		return err
	}
	defer host.Close()
	rec.note(storage.SeverityInfo, "", fmt.Sprintf("Host listening on %s", host.Addr()))

	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		server := api.NewServer(host, db, reg, &api.Config{
			Listen:       cfg.API.Listen,
			EnableCORS:   true,
			RateLimit:    cfg.API.RateLimit,
			ReadTimeout:  api.DefaultConfig().ReadTimeout,
			WriteTimeout: api.DefaultConfig().WriteTimeout,
		}, logger)
		go func() { apiErr <- server.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		if cfg.API.Enabled {
			// Start returns once the HTTP server has drained
			return <-apiErr
		}
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}
	return nil
}
