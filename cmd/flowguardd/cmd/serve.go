package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/flowguard/internal/analytics"
	"github.com/swarmguard/flowguard/internal/config"
	"github.com/swarmguard/flowguard/internal/coordination"
	"github.com/swarmguard/flowguard/internal/coordination/redis"
	"github.com/swarmguard/flowguard/internal/failover"
	boltstore "github.com/swarmguard/flowguard/internal/persistence/bolt"
	"github.com/swarmguard/flowguard/internal/persistence/postgres"
	"github.com/swarmguard/flowguard/internal/registry"
	"github.com/swarmguard/flowguard/internal/resilience"
	"github.com/swarmguard/flowguard/internal/retrypolicy"
	"github.com/swarmguard/flowguard/internal/scheduler"
	"github.com/swarmguard/flowguard/internal/telemetry"
	"github.com/swarmguard/flowguard/internal/transport"
	"github.com/swarmguard/flowguard/internal/workflow"

	"github.com/swarmguard/flowguard/internal/persistence"
)

const serviceName = "flowguardd"

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the engine node: HTTP surface, scheduler, failover controller, analytics pipeline",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		exitCode = runServe()
		if exitCode != 0 {
			return fmt.Errorf("flowguardd exited with code %d", exitCode)
		}
		return nil
	},
}

// runServe wires the full dependency graph and blocks until shutdown,
// returning the §6 exit code the process should use.
func runServe() int {
	telemetry.InitLogging(serviceName)

	loader, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	cfg := loader.Current()
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, serviceName)

	store, err := openPersistence(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "persistence:", err)
		return 3
	}
	defer store.Close()

	coord, err := openCoordination(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coordination:", err)
		return 2
	}
	defer coord.Close()

	reg := registry.New(
		registry.NewHTTPHandler(nil),
		registry.NewShellHandler(),
		registry.NewPolicyHandler(nil),
		registry.NoopHandler{},
	)

	retryCtl := retrypolicy.New(retrypolicy.NewCoordinationNotifier(coord))

	globalConcurrency := cfg.GlobalConcurrency
	if globalConcurrency <= 0 {
		globalConcurrency = runtime.NumCPU() * 4
	}

	pipeline := analytics.New(store, cfg.AnalyticsQueueCapacity,
		analytics.WithMetrics(metrics),
		analytics.WithBatchSize(cfg.AnalyticsBatchSize),
		analytics.WithFlushInterval(cfg.AnalyticsFlushInterval),
		analytics.WithRetentionDays(cfg.RetentionDays),
		analytics.WithSampleRate(cfg.AnalyticsSampleRate),
	)

	engine := workflow.New(store, coord, reg, retryCtl, cfg.NodeID,
		workflow.WithMetrics(metrics),
		workflow.WithAnalyticsSink(pipeline),
		workflow.WithGlobalConcurrency(globalConcurrency),
		workflow.WithPerWorkflowConcurrency(cfg.PerWorkflowConcurrency),
		workflow.WithLeaseTTL(cfg.LeaseTTL),
	)

	failoverCtrl := failover.New(coord, store, cfg.NodeID, cfg.Priority, reg.Types(),
		failover.WithMetrics(metrics),
		failover.WithHeartbeatInterval(cfg.HeartbeatInterval),
		failover.WithHeartbeatTTL(cfg.HeartbeatTTL),
		failover.WithLeaseTTL(cfg.LeaseTTL),
		failover.WithMaxRedistributePerTick(cfg.MaxRedistributePerTick),
		failover.WithResumer(engine),
	)

	sched := scheduler.New(store, engine, scheduler.WithPollInterval(cfg.HeartbeatInterval))

	go pipeline.Run(ctx)
	go pipeline.RunRetention(ctx)
	go failoverCtrl.Run(ctx)
	if err := sched.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		return 2
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: transport.NewMux(engine)}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	portLoss := watchPorts(ctx, store, coord)

	var code int
	select {
	case <-ctx.Done():
		code = 0
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintln(os.Stderr, "http server:", err)
			code = 2
		}
		stop()
	case code = <-portLoss:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	return code
}

func openPersistence(cfg config.Config) (persistence.Port, error) {
	switch cfg.PersistenceDriver {
	case "postgres":
		return postgres.Open(context.Background(), cfg.PostgresDSN)
	case "bolt", "":
		meter := noop.MeterProvider{}.Meter(serviceName)
		return boltstore.New(cfg.BoltPath, meter)
	default:
		return nil, fmt.Errorf("unknown persistence_driver %q", cfg.PersistenceDriver)
	}
}

// openCoordination backs the Coordination Port. Only "redis" is wired: the
// nats adapter implements the broadcast (PubSub) half of the port only,
// not the KV/CAS half the Failover Controller's primary election and job
// claims need, so it cannot stand in for the full Port today.
func openCoordination(cfg config.Config) (coordination.Port, error) {
	switch cfg.CoordinationDriver {
	case "redis", "":
		return redis.New(cfg.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unsupported coordination_driver %q (only \"redis\" backs the full coordination port)", cfg.CoordinationDriver)
	}
}

// watchPorts periodically exercises the persistence and coordination ports
// with the same bounded retry budget §7 prescribes for infrastructure
// errors, returning the node's exit code on the channel if either port is
// still unreachable after the budget is exhausted.
func watchPorts(ctx context.Context, store persistence.Port, coord coordination.Port) <-chan int {
	out := make(chan int, 1)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := resilience.Retry(ctx, 5, 200*time.Millisecond, func() (struct{}, error) {
					_, err := store.ListPendingWorkflows(ctx, 1)
					return struct{}{}, err
				}); err != nil && ctx.Err() == nil {
					out <- 3
					return
				}
				probeKey := coordination.NodeKey("healthcheck-probe")
				if _, err := resilience.Retry(ctx, 5, 200*time.Millisecond, func() (struct{}, error) {
					return struct{}{}, coord.Set(ctx, probeKey, []byte("1"), time.Minute)
				}); err != nil && ctx.Err() == nil {
					out <- 4
					return
				}
			}
		}
	}()
	return out
}
