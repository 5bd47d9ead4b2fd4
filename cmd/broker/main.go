// Command broker is the composition root for the browser automation
// broker: it wires the driver, pools, registry, router, dispatcher, IPC
// server and optional admin surface together and runs them until signaled
// to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/browserkit/broker/internal/adminsrv"
	"github.com/browserkit/broker/internal/browserpool"
	"github.com/browserkit/broker/internal/config"
	"github.com/browserkit/broker/internal/dispatch"
	"github.com/browserkit/broker/internal/driver"
	"github.com/browserkit/broker/internal/guard"
	"github.com/browserkit/broker/internal/ipc/server"
	"github.com/browserkit/broker/internal/logging"
	"github.com/browserkit/broker/internal/pagepool"
	"github.com/browserkit/broker/internal/refs"
	"github.com/browserkit/broker/internal/registry"
	"github.com/browserkit/broker/internal/router"
	"github.com/browserkit/broker/internal/storagestate"
	"github.com/browserkit/broker/pkg/version"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "broker",
		Short: "Multi-tenant browser automation broker",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to an optional YAML config file")

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("broker %s (%s)\n", version.Full(), version.GoVersion())
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker, listening on the IPC socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadConfigFile(cfgFile)
			cfg := config.Load()
			cfg.Validate()

			logging.Configure(cfg.LogLevel, cfg.LogFormat)
			return run(cfg)
		},
	}
}

// loadConfigFile merges an optional YAML config file and the process
// environment into the OS environment, so config.Load's plain os.Getenv
// calls see values from either source uniformly. A variable already set
// in the environment takes precedence over the same key in the file.
func loadConfigFile(path string) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("could not read config file, continuing with environment only")
			return
		}
		for _, key := range v.AllKeys() {
			envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if os.Getenv(envKey) == "" {
				os.Setenv(envKey, v.GetString(key))
			}
		}
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pidRegistry, err := guard.NewPIDRegistry(cfg.PIDRegistryDir)
	if err != nil {
		return fmt.Errorf("pid registry: %w", err)
	}
	if err := pidRegistry.Register(cfg.DebugPort, cfg.LightPort); err != nil {
		return fmt.Errorf("pid registry: %w", err)
	}
	defer pidRegistry.Unregister()

	domainGuard, err := guard.NewDomainGuard(cfg.DomainBlocklistPath)
	if err != nil {
		return fmt.Errorf("domain guard: %w", err)
	}
	defer domainGuard.Close()

	drv := driver.New(driver.Options{
		DebugPort:   cfg.DebugPort,
		Headless:    cfg.Headless,
		BrowserPath: cfg.BrowserPath,
	})
	if err := drv.Connect(ctx); err != nil {
		return fmt.Errorf("driver connect: %w", err)
	}
	defer drv.Close()

	// The light backend is a second debug-protocol endpoint the hybrid
	// router escalates away from when it can't serve a call (closed page,
	// visual-only tool, open circuit). Its absence is not fatal: Route
	// always falls back to the heavy driver when lightDrv is nil.
	var lightDrv driver.Driver
	if cfg.HybridEnabled {
		ld := driver.New(driver.Options{
			DebugPort:   cfg.LightPort,
			Headless:    true,
			BrowserPath: cfg.BrowserPath,
		})
		if err := ld.Connect(ctx); err != nil {
			log.Warn().Err(err).Int("port", cfg.LightPort).Msg("light backend connect failed, hybrid routing will run heavy-only")
		} else {
			lightDrv = ld
			defer ld.Close()
		}
	}

	var pool *pagepool.Pool
	if cfg.UsePagePool {
		pool = pagepool.New(drv, cfg.BrowserPoolSize*4)
	}

	refMgr := refs.NewManager()

	promReg := prometheus.NewRegistry()
	metrics := adminsrv.NewMetrics(promReg)

	var bpool *browserpool.Pool
	if cfg.UseBrowserPool {
		bpool = browserpool.New(browserpool.Options{
			MaxPerOrigin: cfg.MaxPerOrigin,
			MaxMemoryMB:  cfg.MaxMemoryMB,
			NewInstance: func(ctx context.Context, origin string) (*browserpool.Instance, error) {
				// Heavy-backend instances share the same launched browser process
				// as the registry's driver; per-origin isolation comes from the
				// incognito contexts registry.CreateTarget already allocates, not
				// from a second browser process per origin.
				return &browserpool.Instance{Port: cfg.DebugPort, Origin: origin, Driver: drv}, nil
			},
		})
		defer bpool.Close()
	}

	rtr := router.New(router.Options{
		Enabled:     cfg.HybridEnabled,
		MaxFailures: cfg.CircuitMaxFailures,
		Cooldown:    cfg.CircuitCooldown,
	})

	var storageMgr *storagestate.Manager
	if cfg.StorageStateEnabled {
		storageMgr = storagestate.New(cfg.StorageStateDir)
	}

	reg := registry.New(registry.Deps{
		Driver:                  drv,
		PagePool:                pool,
		Refs:                    refMgr,
		MaxSessions:             cfg.MaxSessions,
		MaxWorkers:              cfg.MaxWorkersPerSession,
		SessionTTL:              cfg.SessionTTL,
		UsePagePool:             cfg.UsePagePool,
		Router:                  rtr,
		LightDriver:             lightDrv,
		BrowserPool:             bpool,
		StorageState:            storageMgr,
		StorageWatchdogInterval: cfg.StorageStateWatchdogInterval,
		StorageFlushCounter:     metrics.StorageFlushes,
	})
	if cfg.AutoCleanup {
		reg.StartCleanup(cfg.SessionCleanupInterval)
	}
	defer reg.Close()

	dispatcher := dispatch.New(reg, refMgr, domainGuard)

	var adminServer *adminsrv.Server
	if cfg.AdminEnabled {
		adminServer = adminsrv.New(adminsrv.Options{
			Addr:         cfg.AdminAddr,
			PProfEnabled: cfg.PProfEnabled,
			Registry:     reg,
			Router:       rtr,
			Metrics:      metrics,
			PromRegistry: promReg,
		})
		go func() {
			if err := adminServer.Serve(); err != nil {
				log.Error().Err(err).Msg("admin surface stopped")
			}
		}()
	}

	ipcServer := server.New(server.Options{
		SocketPath:   cfg.SocketPath,
		Handler:      dispatcher.Handle,
		OnDisconnect: dispatcher.CleanupWorker,
	})

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ipcServer.Serve() }()

	log.Info().
		Str("version", version.Full()).
		Str("socket", cfg.SocketPath).
		Int("debug_port", cfg.DebugPort).
		Msg("broker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			log.Error().Err(err).Msg("ipc server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ipcServer.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing ipc server")
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error shutting down admin surface")
		}
	}

	return nil
}
