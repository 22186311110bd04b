package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/api"
	"github.com/CreepyPvP/nanocl/pkg/config"
	"github.com/CreepyPvP/nanocl/pkg/ingress"
	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/manager"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/reconciler"
	"github.com/CreepyPvP/nanocl/pkg/runtime"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the control plane daemon",
	Long: `Run the control plane: object store, reconciliation API, gateway
projector and (optionally) the containerd runtime effector.

Settings are read from --config (TOML) and overridden by flags.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("config", "", "Configuration file (TOML)")
	daemonCmd.Flags().String("data-dir", "", "Directory of the state database")
	daemonCmd.Flags().String("conf-dir", "", "Gateway configuration directory")
	daemonCmd.Flags().String("metrics-addr", "", "Metrics and health listen address")
	daemonCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	daemonCmd.Flags().Bool("log-json", false, "Log as JSON")
	daemonCmd.Flags().Bool("runtime", false, "Run cargoes on containerd")
	rootCmd.AddCommand(daemonCmd)
}

func loadDaemonConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("socket") {
		cfg.API.Socket, _ = flags.GetString("socket")
	}
	if flags.Changed("address") {
		cfg.API.Address, _ = flags.GetString("address")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("conf-dir") {
		cfg.Proxy.ConfDir, _ = flags.GetString("conf-dir")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Log.Level = log.Level(level)
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("runtime") {
		cfg.Runtime.Enabled, _ = flags.GetBool("runtime")
	}

	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON, Output: os.Stderr})
	logger := log.WithComponent("daemon")
	metrics.SetVersion(Version)

	mgr, err := manager.NewManager(&manager.Config{DataDir: cfg.DataDir, Events: cfg.Events})
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentStore, false, err.Error())
		return err
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}()
	metrics.RegisterComponent(metrics.ComponentStore, true, "")

	g, ctx := errgroup.WithContext(cmd.Context())

	var projector *ingress.Projector
	if cfg.Proxy.Enabled {
		var reloader ingress.Reloader = ingress.NopReloader{}
		if cfg.Proxy.ReloadCommand != "" {
			if reloader, err = ingress.NewCommandReloader(cfg.Proxy.ReloadCommand, ingress.DefaultReloadTimeout); err != nil {
				return err
			}
		}

		projector = ingress.NewProjector(mgr, ingress.Config{
			ConfDir:        cfg.Proxy.ConfDir,
			Listeners:      cfg.Proxy.Networks,
			ResyncInterval: cfg.Proxy.ResyncInterval,
			Reloader:       reloader,
		})
		if err := projector.Dir().Ensure(); err != nil {
			return err
		}

		sub := mgr.GetEventBroker().Subscribe()
		g.Go(func() error { return projector.Run(ctx, sub) })
		g.Go(func() error { return ingress.NewDriftWatcher(projector, ingress.DefaultDriftDebounce).Run(ctx) })
	} else {
		metrics.SetCriticalComponents(metrics.ComponentStore, metrics.ComponentAPI)
	}

	if cfg.Runtime.Enabled {
		driver, err := runtime.NewContainerdDriver(cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace, cfg.Runtime.HostAddress)
		if err != nil {
			return err
		}
		defer driver.Close()

		effector := runtime.NewEffector(driver, mgr)
		sub := mgr.GetEventBroker().Subscribe()
		g.Go(func() error { return effector.Run(ctx, sub) })
	}

	var resyncer api.Resyncer
	if projector != nil {
		resyncer = projector
	}
	server := api.NewServer(mgr, reconciler.NewEngine(mgr), resyncer)
	lis, err := api.Listen(cfg.API.Socket, cfg.API.Address)
	if err != nil {
		return err
	}
	g.Go(func() error {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metrics.NewServeMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")
		notify(logger, sddaemon.SdNotifyStopping)
		server.Stop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Bool("proxy", cfg.Proxy.Enabled).
		Bool("runtime", cfg.Runtime.Enabled).
		Msg("Daemon started")
	notify(logger, sddaemon.SdNotifyReady)

	return g.Wait()
}

// notify reports daemon state to systemd when run as a Type=notify unit
func notify(logger zerolog.Logger, state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("Failed to notify systemd")
		return
	}
	if sent {
		logger.Debug().Str("state", state).Msg("Notified systemd")
	}
}
