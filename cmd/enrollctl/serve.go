package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/nova/internal/breaker"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/dispatcher"
	"github.com/oriys/nova/internal/enrollment"
	"github.com/oriys/nova/internal/httpapi"
	"github.com/oriys/nova/internal/idempotency"
	"github.com/oriys/nova/internal/jobtracker"
	"github.com/oriys/nova/internal/kvstore"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/reservation"
	"github.com/oriys/nova/internal/saga"
	"github.com/oriys/nova/internal/store/memstore"
	"github.com/oriys/nova/internal/store/postgres"
	"github.com/oriys/nova/internal/taskqueue"
	"github.com/oriys/nova/internal/workerpool"
)

const sagaTrackerLimit = 500

func serveCmd() *cobra.Command {
	var (
		httpAddr     string
		logLevel     string
		storeBackend string
		queueBackend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the enrollment worker pool and HTTP API",
		Long:  "Start the durable task queue consumers and the HTTP surface over them, until a SIGINT/SIGTERM is received.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("store") {
				cfg.Daemon.StoreBackend = storeBackend
			}
			if cmd.Flags().Changed("queue") {
				cfg.Daemon.QueueBackend = queueBackend
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			enrollStore, closeStore, err := openEnrollmentStore(cfg)
			if err != nil {
				return fmt.Errorf("open enrollment store: %w", err)
			}
			defer closeStore()

			kv := openKVStore(cfg)
			defer kv.Close()

			breakers := breaker.NewRegistry()
			breakers.GetOrCreate("database", breaker.Config(cfg.Breakers.Database))
			breakers.GetOrCreate("kv", breaker.Config(cfg.Breakers.KV))
			breakers.GetOrCreate("external", breaker.Config(cfg.Breakers.External))

			idem := idempotency.New(kv)
			reservations := reservation.New(kv)
			sagas := saga.NewTracker(sagaTrackerLimit)

			wf := &enrollment.Workflow{
				Store:        enrollStore,
				Reservations: reservations,
				Breakers:     breakers,
				Notifier:     logNotifier{},
				Sagas:        sagas,
			}

			queue, closeQueue := openTaskQueue(cfg)
			defer closeQueue()

			jobs := jobtracker.New(30 * time.Minute)
			dsp := dispatcher.New(queue, idem, jobs)

			pool := workerpool.New(queue, map[string]workerpool.Handler{
				dispatcher.EnrollHandlerName: enrollHandler(wf),
				dispatcher.BulkHandlerName:   bulkHandler(wf, dsp),
				dispatcher.HealthHandlerName: healthHandler(),
			}, workerpool.Config{
				Routes:          []string{taskqueue.RouteEnrollments, taskqueue.RouteSingleGroup, taskqueue.RouteHealth},
				Workers:         cfg.WorkerPool.Workers,
				PollersPerRoute: cfg.WorkerPool.PollersPerRoute,
				Adaptive:        workerpool.AdaptiveConfig{Enabled: cfg.WorkerPool.Adaptive},
			})
			pool.Start()

			mux := httpapi.NewMux(&httpapi.Handler{
				Dispatcher:  dsp,
				Queue:       queue,
				Breakers:    breakers,
				Sagas:       sagas,
				Idempotency: idem,
				Jobs:        jobs,
			})
			// Prometheus collectors are ambient instrumentation, not a user-
			// facing endpoint: no /metrics route is registered here, only
			// GET /queue/stats and GET /circuit-breakers expose operational
			// state over HTTP.

			stopBreakerProbe := make(chan struct{})
			go breakerStateProbe(breakers, stopBreakerProbe)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server failed", "error", err)
					}
				}()
				logging.Op().Info("HTTP API started", "addr", cfg.Daemon.HTTPAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			close(stopBreakerProbe)
			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(ctx)
				cancel()
			}
			pool.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API address (default :8080)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&storeBackend, "store", "", "enrollment store backend: memory or postgres")
	cmd.Flags().StringVar(&queueBackend, "queue", "", "task queue backend: memory or redis")

	return cmd
}

// openEnrollmentStore wires the EnrollmentStore backend named by
// cfg.Daemon.StoreBackend. "memory" is seeded with a small demo dataset
// so enroll-by-groups requests have something to enroll against out of
// the box; "postgres" connects to cfg.Postgres.DSN (the store creates its
// tables on open) and expects its students, periods and groups to be
// seeded via the store's Upsert* helpers.
func openEnrollmentStore(cfg *config.Config) (enrollment.Store, func(), error) {
	switch cfg.Daemon.StoreBackend {
	case "postgres":
		pg, err := postgres.New(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		mem := memstore.New()
		mem.SeedStudent("demo-student", true)
		mem.SeedPeriod("demo-period", true)
		mem.SeedGroup("demo-group-a", "MATH101", nil, 30)
		mem.SeedGroup("demo-group-b", "PHYS101", nil, 30)
		return mem, func() {}, nil
	}
}

// openKVStore wires the KVStore backing the idempotency store and the
// reservation locks. It follows the same backend switch as the task
// queue, since both are naturally Redis-backed in production.
func openKVStore(cfg *config.Config) kvstore.Store {
	if cfg.Daemon.QueueBackend == "redis" {
		return kvstore.NewRedisStore(kvstore.RedisStoreConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return kvstore.NewInMemoryStore()
}

// openTaskQueue wires the durable task queue named by
// cfg.Daemon.QueueBackend.
func openTaskQueue(cfg *config.Config) (taskqueue.Queue, func()) {
	routes := []string{taskqueue.RouteEnrollments, taskqueue.RouteSingleGroup, taskqueue.RouteHealth}
	if cfg.Daemon.QueueBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		q := taskqueue.NewRedisQueue(client, routes)
		return q, func() { q.Close() }
	}
	q := taskqueue.NewMemQueue()
	return q, func() { q.Close() }
}

// breakerStateProbe feeds the breaker_state gauge. internal/breaker stays
// metrics-agnostic; the composition root is what bridges it to
// Prometheus.
func breakerStateProbe(registry *breaker.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for name, stats := range registry.Snapshot() {
				metrics.SetBreakerState(name, int(stats.State))
			}
		}
	}
}

// enrollHandler adapts the enroll-by-groups task payload to a workflow
// saga execution.
func enrollHandler(wf *enrollment.Workflow) workerpool.Handler {
	return func(ctx context.Context, task *taskqueue.Task) (any, error) {
		var req enrollment.EnrollByGroupsRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, enrollment.Wrap(enrollment.CategoryInvalidArgument, err, "decode enroll-by-groups payload")
		}
		s, err := wf.Execute(ctx, task.ID, req)
		if err != nil {
			return nil, err
		}
		return s.Snapshot(), nil
	}
}

// bulkHandler adapts a single-group task (fanned out by
// dispatcher.Bulk) into a one-group enroll-by-groups saga execution,
// reporting completion back to the dispatcher's job tracker regardless
// of outcome so the parent batch's progress always reaches 100%.
func bulkHandler(wf *enrollment.Workflow, dsp *dispatcher.Dispatcher) workerpool.Handler {
	return func(ctx context.Context, task *taskqueue.Task) (any, error) {
		var single enrollment.SingleGroupRequest
		if err := json.Unmarshal(task.Payload, &single); err != nil {
			return nil, enrollment.Wrap(enrollment.CategoryInvalidArgument, err, "decode single-group payload")
		}
		defer func() {
			if single.TopIdempotencyKey != "" {
				dsp.ReportGroupDone(single.TopIdempotencyKey)
			}
		}()
		req := enrollment.EnrollByGroupsRequest{
			StudentID: single.StudentID,
			PeriodID:  single.PeriodID,
			Groups:    []string{single.Group},
		}
		s, err := wf.Execute(ctx, task.ID, req)
		if err != nil {
			return nil, err
		}
		return s.Snapshot(), nil
	}
}

// healthHandler answers the no-op health-check task used to prove the
// queue and at least one worker are alive end to end.
func healthHandler() workerpool.Handler {
	return func(ctx context.Context, task *taskqueue.Task) (any, error) {
		return map[string]string{"status": "ok"}, nil
	}
}

// logNotifier is the simplest Notifier that satisfies
// enrollment.Workflow's best-effort post-enrollment confirmation step
// without depending on an actual notification channel.
type logNotifier struct{}

func (logNotifier) NotifyEnrolled(ctx context.Context, studentID, periodID string, groups []string) error {
	logging.Op().Info("enrollment confirmed", "student_id", studentID, "period_id", periodID, "groups", groups)
	return nil
}
