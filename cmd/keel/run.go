package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/keel/pkg/cloud"
	"github.com/cuemby/keel/pkg/config"
	"github.com/cuemby/keel/pkg/events"
	"github.com/cuemby/keel/pkg/jobmanager"
	"github.com/cuemby/keel/pkg/lock"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/manager"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/reconciler"
	"github.com/cuemby/keel/pkg/validation"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a keel manager node",
	Long: `Run a keel manager node.

The node bootstraps a single-node Raft cluster (or resumes the one found
in the data directory), loads the committed job trees into the reconciler
and serves metrics and health endpoints until interrupted.`,
	RunE: runManager,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to the YAML configuration file")
	runCmd.Flags().String("node-id", "", "Unique node ID (overrides config)")
	runCmd.Flags().String("bind-addr", "", "Address for Raft communication (overrides config)")
	runCmd.Flags().String("data-dir", "", "Data directory for cluster state (overrides config)")
	runCmd.Flags().String("metrics-addr", "", "Address for metrics and health endpoints (overrides config)")
	runCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"node-id":      &cfg.NodeID,
		"bind-addr":    &cfg.BindAddr,
		"data-dir":     &cfg.DataDir,
		"metrics-addr": &cfg.MetricsAddr,
		"log-level":    &cfg.Log.Level,
	}
	for name, target := range overrides {
		if cmd.Flags().Changed(name) {
			*target, _ = cmd.Flags().GetString(name)
		}
	}
	return cfg, cfg.Validate()
}

func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return lock.NoopLocker{}, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	metrics.RegisterComponent(metrics.ComponentLock, true, "")
	return lock.NewRedisLocker(client, cfg.Redis.KeyPrefix), func() { client.Close() }, nil
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(cfg.LoggerConfig())
	logger := log.WithNodeID(log.WithComponent("main"), cfg.NodeID)
	metrics.SetVersion(Version)

	logger.Info().
		Str("bind_addr", cfg.BindAddr).
		Str("data_dir", cfg.DataDir).
		Msg("Starting keel manager")

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down manager")
		}
	}()

	if err := mgr.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = mgr.WaitForLeader(ctx)
	cancel()
	if err != nil {
		return err
	}

	interceptors, err := cfg.BuildInterceptors(clock.RealClock{})
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	admissionRate := rate.Inf
	if cfg.Reconciler.AdmissionRate > 0 {
		admissionRate = rate.Limit(cfg.Reconciler.AdmissionRate)
	}

	recon := reconciler.NewReconciler(reconciler.Config{
		Interval:       cfg.Reconciler.Interval,
		AdmissionRate:  admissionRate,
		AdmissionBurst: cfg.Reconciler.AdmissionBurst,
		ActionTimeout:  cfg.Reconciler.ActionTimeout,
		Interceptors:   interceptors,
		Locker:         locker,
		LockTTL:        cfg.Redis.LockTTL,
		Broker:         mgr.EventBroker(),
		Committer:      mgr,
	})

	roots, err := mgr.LoadRoots()
	if err != nil {
		return fmt.Errorf("failed to load roots: %w", err)
	}
	recon.Restore(roots)
	recon.Start()

	service := jobmanager.NewService(jobmanager.Config{
		Reconciler: recon,
		Connector:  cloud.NewInMemoryConnector(),
		Assertions: validation.NewJobAssertions(cfg.MaxContainerSize),
	})

	stopScaler := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Reconciler.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if mgr.IsLeader() {
					service.ScaleAll()
				}
			case <-stopScaler:
				return
			}
		}
	}()

	sub := mgr.EventBroker().Subscribe()
	go logEvents(sub)

	modelCollector := metrics.NewCollector(recon, interceptors, manager.KindOf(mgr.Codec()))
	modelCollector.Start()
	raftCollector := manager.NewMetricsCollector(mgr)
	raftCollector.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	logger.Info().
		Int("roots", len(roots)).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("Manager is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down after error")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	_ = httpServer.Shutdown(shutdownCtx)
	close(stopScaler)
	modelCollector.Stop()
	raftCollector.Stop()
	mgr.EventBroker().Unsubscribe(sub)

	if err := recon.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("In-flight change actions did not finish")
	}
	recon.Stop()

	logger.Info().Msg("Shutdown complete")
	return runErr
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		logger.Debug().
			Str("type", string(event.Type)).
			Str("root_id", event.RootID).
			Str("entity_id", event.EntityID).
			Str("trigger", event.Trigger).
			Strs("changed", event.Changed).
			Msg(event.Message)
	}
}
