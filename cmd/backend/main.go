package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"NetPulse/internal/backend/dependencies"
	"NetPulse/internal/backend/server"
	"NetPulse/internal/config"
	"NetPulse/pkg/banner"
	"NetPulse/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "netpulse-backend",
	Short:         "Scheduling and collection control plane for NetPulse agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to the config file (default configs/config.yaml)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	banner.Print(os.Stdout, cfg.App.Name, cfg.App.Version)

	log := logger.Setup(logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Path:         cfg.Logging.Path,
		FilePattern:  "backend-%Y%m%d.log",
		MaxAge:       cfg.Logging.MaxAge,
		RotationTime: cfg.Logging.RotationTime,
	})

	log.Info("starting NetPulse backend",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"port", cfg.Server.Port,
		"database", cfg.Database.Driver,
		"broker", cfg.Broker.Driver,
	)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	container, err := dependencies.NewContainer(initCtx, cfg, log)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to create dependency container: %w", err)
	}

	srv := server.New(&server.Config{
		Port:         cfg.Server.Port,
		Mode:         cfg.Server.Mode,
		AllowOrigins: cfg.Server.AllowOrigins,
	}, container)

	if err := container.Start(ctx); err != nil {
		container.Close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("server stopped unexpectedly", "error", err)
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}
