package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"NetPulse/internal/agent/clients"
	"NetPulse/internal/agent/handlers"
	"NetPulse/internal/agent/sysinfo"
	"NetPulse/internal/config"
	"NetPulse/internal/shared/collectors"
	shared "NetPulse/internal/shared/models"
	"NetPulse/pkg/banner"
	"NetPulse/pkg/logger"
)

const agentVersion = "1.0.0"

// exitUpgrade tells the supervisor to replace the binary before restarting.
const exitUpgrade = 3

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "netpulse-agent",
	Short:         "Collector agent executing NetPulse collection batches",
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

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case errors.Is(err, handlers.ErrUpgradeRequested):
		os.Exit(exitUpgrade)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	banner.Print(os.Stdout, "NetPulse Agent", agentVersion)

	log := logger.Setup(logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Path:         cfg.Logging.Path,
		FilePattern:  "agent-%Y%m%d.log",
		MaxAge:       cfg.Logging.MaxAge,
		RotationTime: cfg.Logging.RotationTime,
	})

	set, closeCollectors, err := initCollectors(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCollectors()

	ac := cfg.Agent
	hostname := ac.Hostname
	if hostname == "" {
		hostname = sysinfo.Hostname(ctx)
	}
	ip := ac.IP
	if ip == "" {
		ip = sysinfo.OutboundIP(dialTarget(ac.ServerURL))
	}

	api := clients.NewAPIClient(ac.ServerURL, ac.RequestTimeout)
	runner := handlers.NewTaskHandler(set, 0, log.With("component", "runner"))
	agent := handlers.NewAgentHandler(handlers.Config{
		Registration: shared.RegisterRequest{
			CollectorID:    ac.CollectorID,
			Hostname:       hostname,
			IP:             ip,
			Version:        agentVersion,
			Capabilities:   set.Protocols(),
			Tags:           ac.Tags,
			BootstrapToken: ac.BootstrapToken,
		},
		HeartbeatInterval: ac.HeartbeatInterval,
		PollInterval:      ac.PollInterval,
		Concurrency:       ac.Concurrency,
		BatchLimit:        cfg.Scheduler.BatchPullLimit,
	}, api, runner, log.With("component", "agent"))

	log.Info("agent starting",
		"server", ac.ServerURL,
		"hostname", hostname,
		"ip", ip,
		"protocols", set.Protocols(),
		"concurrency", ac.Concurrency,
	)

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agent stopped")
	return nil
}

// initCollectors initializes the collector types listed in agent.capabilities
// with their plugin settings.
func initCollectors(ctx context.Context, cfg *config.Config, log *slog.Logger) (*collectors.Set, func(), error) {
	var ready []collectors.Collector
	for _, c := range collectors.Builtin() {
		if len(cfg.Agent.Capabilities) > 0 && !slices.Contains(cfg.Agent.Capabilities, c.Type()) {
			continue
		}
		if err := c.Init(ctx, cfg.Plugins.Settings[c.Type()]); err != nil {
			log.Warn("collector disabled", "type", c.Type(), "error", err)
			continue
		}
		ready = append(ready, c)
	}
	if len(ready) == 0 {
		return nil, nil, errors.New("no collector could be initialized")
	}

	closeAll := func() {
		for _, c := range ready {
			if err := c.Close(); err != nil {
				log.Warn("failed to close collector", "type", c.Type(), "error", err)
			}
		}
	}
	return collectors.NewSet(ready...), closeAll, nil
}

func dialTarget(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return "8.8.8.8:80"
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Hostname() + ":443"
	}
	return u.Hostname() + ":80"
}
