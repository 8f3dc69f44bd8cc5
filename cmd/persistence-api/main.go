package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dandytbermillo/annotation/internal/config"
	"github.com/dandytbermillo/annotation/internal/database"
	"github.com/dandytbermillo/annotation/internal/logging"
	"github.com/dandytbermillo/annotation/internal/persistence"
	"github.com/dandytbermillo/annotation/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "persistence-api",
		Short: "Collaborative annotation persistence service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "Postgres connection string")
	cmd.PersistentFlags().Int("database-pool-size", defaults.GetInt("database.pool_size"), "Database connection pool size")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("batching-preset", defaults.GetString("batching.preset"), "Batching platform preset (web, embedded, test)")
	cmd.PersistentFlags().Int("compaction-update-threshold", defaults.GetInt("compaction.update_threshold"), "Update count that triggers compaction")
	cmd.PersistentFlags().Int64("compaction-size-threshold-bytes", defaults.GetInt64("compaction.size_threshold_bytes"), "Update log byte size that triggers compaction")
	cmd.PersistentFlags().Duration("compaction-age-threshold", defaults.GetDuration("compaction.age_threshold"), "Oldest-update age that triggers compaction")
	cmd.PersistentFlags().Int("compaction-keep-snapshots", defaults.GetInt("compaction.keep_snapshots"), "Snapshots retained per doc after compaction")
	cmd.PersistentFlags().Bool("compaction-auto-compact", defaults.GetBool("compaction.auto_compact"), "Run the background compaction sweep")
	cmd.PersistentFlags().Duration("compaction-sweep-interval", defaults.GetDuration("compaction.sweep_interval"), "Interval between background compaction sweeps")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "database.pool_size", "database-pool-size")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "batching.preset", "batching-preset")
	bindFlag(cmd, "compaction.update_threshold", "compaction-update-threshold")
	bindFlag(cmd, "compaction.size_threshold_bytes", "compaction-size-threshold-bytes")
	bindFlag(cmd, "compaction.age_threshold", "compaction-age-threshold")
	bindFlag(cmd, "compaction.keep_snapshots", "compaction-keep-snapshots")
	bindFlag(cmd, "compaction.auto_compact", "compaction-auto-compact")
	bindFlag(cmd, "compaction.sweep_interval", "compaction-sweep-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rawDB, err := database.OpenPostgres(appConfig.DatabaseURL, logger)
	if err != nil {
		return err
	}
	if err := persistence.AutoMigrate(rawDB, logger); err != nil {
		return err
	}

	store, err := database.NewStore(rawDB, database.StoreConfig{
		PoolSize:          appConfig.PoolSize,
		IdleTimeout:       appConfig.IdleTimeout,
		AcquireTimeout:    appConfig.AcquireTimeout,
		OperationDeadline: appConfig.OperationDeadline,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	batchingConfig, err := persistence.PresetByName(appConfig.BatchingPreset)
	if err != nil {
		return err
	}

	service, err := persistence.NewService(persistence.ServiceConfig{
		Store: store,
		Codec: persistence.DefaultCodec{},
		Batching: batchingConfig,
		Thresholds: persistence.CompactionThresholds{
			UpdateThreshold: appConfig.UpdateThreshold,
			SizeThreshold:   appConfig.SizeThreshold,
			AgeThreshold:    appConfig.AgeThreshold,
			KeepSnapshots:   appConfig.KeepSnapshots,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var stopSweep func()
	if appConfig.AutoCompact {
		stopSweep = service.StartCompactionSweep(context.Background(), appConfig.SweepInterval)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Service: service,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runErr = httpServer.Shutdown(shutdownCtx)
	case runErr = <-errCh:
	}

	if stopSweep != nil {
		stopSweep()
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(drainCtx); err != nil {
		logger.Warn("batching writer drain failed", zap.Error(err))
	}

	return runErr
}
