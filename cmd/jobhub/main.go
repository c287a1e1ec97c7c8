package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joborch/jobhub/pkg/adapters"
	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/coordinator"
	"github.com/joborch/jobhub/pkg/errorengine"
	"github.com/joborch/jobhub/pkg/integrity"
	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/notifier"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/scheduler"
	"github.com/joborch/jobhub/pkg/syncbus"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "jobhub",
	Short:   "jobhub aggregates job search results across platforms",
	Long:    `jobhub orchestrates concurrent search requests across job platforms, tracks sub-task lifecycle durably, and serves results through a single coordination API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("jobhub version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the jobhub coordination process",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := log.WithComponent("main")

		reg, err := registry.New(cfg)
		if err != nil {
			return fmt.Errorf("build registry: %w", err)
		}
		logger.Info().Int("platforms", len(cfg.Platforms)).Msg("platform registry built")

		store, err := taskstore.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		defer store.Close()

		bus := syncbus.New(cfg.SyncBus)
		bus.Start()
		defer bus.Stop()
		store.SetSyncPublisher(bus)

		adapterSet := make(map[string]scheduler.Adapter, len(cfg.Platforms))
		for _, p := range cfg.Platforms {
			if p.SearchURL == "" {
				logger.Warn().Str("platform", p.Name).Msg("no search_url configured, platform will fail every sub-task")
				continue
			}
			adapterSet[p.Name] = adapters.NewHTTPAdapter(p.Name, p.SearchURL)
		}

		sched := scheduler.New(scheduler.Config{
			QueueCapacity:      cfg.Scheduler.QueueCapacity,
			MaxPlatformsPerJob: cfg.Scheduler.MaxPlatformsPerJob,
			SemaphoreWait:      cfg.Scheduler.SemaphoreWait,
			AdapterTimeout:     cfg.Scheduler.AdapterTimeout,
		}, store, reg, adapterSet)

		errEngine := errorengine.New(store, reg, sched)
		sched.SetErrorHandler(errEngine)
		errEngine.Start()
		defer errEngine.Stop()

		ntf := notifier.New(store, cfg.Notifier)
		ntf.SetSyncBus(bus)
		ntf.Start()
		defer ntf.Stop()
		errEngine.SetNotifier(ntf)

		integrityEngine := integrity.New(store, reg, cfg.Integrity)

		sched.Start()
		defer sched.Stop()

		coord := coordinator.New(cfg.API, cfg.Redis, store, reg, sched, integrityEngine, ntf, bus, cfg.Platforms)
		if err := coord.Start(); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}

		logger.Info().Str("listen_addr", cfg.API.ListenAddr).Msg("jobhub running, press ctrl+c to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coord.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("coordinator shutdown reported errors")
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "jobhub.yaml", "Path to the jobhub configuration file")
}
