package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_post/internal/api"
	"github.com/austindbirch/harbor_post/internal/auth"
	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/db"
	"github.com/austindbirch/harbor_post/internal/health"
	"github.com/austindbirch/harbor_post/internal/idempotency"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/outcome"
	"github.com/austindbirch/harbor_post/internal/provider"
	"github.com/austindbirch/harbor_post/internal/schedule"
	"github.com/austindbirch/harbor_post/internal/supervisor"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logging.Plain().WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.AppName)
	log.SetLevel(cfg.LogLevel)
	logging.SetDefaultService(cfg.AppName)

	os.Exit(run(context.Background(), cfg, log))
}

func run(ctx context.Context, cfg config.Config, log *logging.Logger) int {
	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		log.Plain().WithError(err).Error("tracing init failed")
		return 1
	}

	var validator *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			log.Plain().WithError(err).Error("jwt validator init failed")
			shutdownTracing()
			return 1
		}
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	grpcHealth := grpchealth.NewServer()
	sup := supervisor.New(supervisor.Options{
		Mode:   cfg.Scheduler.ShutdownMode,
		Logger: log,
		Health: grpcHealth,
	})
	sup.OnShutdown("tracing", func(context.Context) error {
		shutdownTracing()
		return nil
	})

	checker := health.NewChecker(func() string { return sup.State().String() })
	deps, err := connectDeps(ctx, cfg, log, checker)
	if err != nil {
		log.Plain().WithError(err).Error("dependency setup failed")
		deps.close()
		shutdownTracing()
		return 1
	}
	sup.OnShutdown("dependencies", func(context.Context) error {
		deps.close()
		return nil
	})

	coord := schedule.NewCoordinator(provider.New(cfg.Provider, log), schedule.Options{
		MinBatch:    cfg.Scheduler.MinBatchSize,
		MaxBatch:    cfg.Scheduler.MaxBatchSize,
		SendTimeout: cfg.Scheduler.SendTimeout,
		Logger:      log,
		Recorders:   deps.recorders,
		Watcher:     sup,
		Gate:        sup,
		Deduper:     deps.deduper,
	})

	router := api.NewRouter(api.Options{
		ServiceName: cfg.AppName,
		Submitter:   coord,
		Location:    cfg.Scheduler.Location(),
		Logger:      log,
		Validator:   validator,
		Limiter:     newLimiter(cfg.HTTP),
		Health:      checker,
		Gatherer:    reg,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.GRPC.HealthAddr != "" {
		grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthpb.RegisterHealthServer(grpcSrv, grpcHealth)
		lis, err := net.Listen("tcp", cfg.GRPC.HealthAddr)
		if err != nil {
			log.Plain().WithError(err).WithField("addr", cfg.GRPC.HealthAddr).Error("grpc listen failed")
			deps.close()
			shutdownTracing()
			return 1
		}
		g.Go(func() error {
			log.Plain().WithField("addr", cfg.GRPC.HealthAddr).Info("grpc health listening")
			return grpcSrv.Serve(lis)
		})
		sup.OnShutdown("grpc", func(context.Context) error {
			grpcSrv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		log.Plain().WithField("addr", cfg.HTTP.Addr).Info("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.OnShutdown("http", httpSrv.Shutdown)

	reason := sup.Run(gctx)
	return exitCode(reason, g.Wait())
}

// exitCode maps how the supervisor stopped to the process status. A listener
// failure surfaces as context_done with a non-nil serve error.
func exitCode(reason supervisor.StopReason, serveErr error) int {
	if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
		logging.Plain().WithError(serveErr).WithField("reason", string(reason)).Error("listener failed")
		return 1
	}
	return 0
}

func newLimiter(cfg config.HTTP) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

type dependencies struct {
	recorders []schedule.Recorder
	deduper   schedule.Deduper
	closers   []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// connectDeps wires the optional Postgres audit table, NSQ outcome stream
// and Redis idempotency store. Unset addresses leave the feature off.
func connectDeps(ctx context.Context, cfg config.Config, log *logging.Logger, checker *health.Checker) (*dependencies, error) {
	d := &dependencies{}

	if cfg.DB.DSN != "" {
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return d, err
		}
		d.closers = append(d.closers, pool.Close)
		if err := wirePostgres(ctx, d, pool, log); err != nil {
			return d, err
		}
		checker.Add("postgres", pool)
	}

	if cfg.NSQ.NsqdTCPAddr != "" {
		prod, err := outcome.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return d, err
		}
		d.closers = append(d.closers, prod.Stop)
		d.recorders = append(d.recorders, outcome.NewNSQRecorder(prod, cfg.NSQ.OutcomesTopic, log))
		checker.Add("nsq", nsqPinger(prod))
	}

	if cfg.Redis.Addr != "" {
		client, err := idempotency.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return d, err
		}
		d.closers = append(d.closers, func() { _ = client.Close() })
		d.deduper = idempotency.NewRedisStore(client, cfg.Redis.IdempotencyTTL)
		checker.Add("redis", redisPinger(client))
	} else {
		d.deduper = idempotency.NewMemoryStore(cfg.Redis.IdempotencyTTL)
	}

	log.Plain().WithFields(map[string]any{
		"recorders":   len(d.recorders),
		"postgres":    cfg.DB.DSN != "",
		"nsq":         cfg.NSQ.NsqdTCPAddr != "",
		"redis":       cfg.Redis.Addr != "",
		"dry_run":     cfg.Provider.DryRun,
		"shutdown":    cfg.Scheduler.ShutdownMode,
		"timezone":    cfg.Scheduler.Timezone,
		"batch_range": []int{cfg.Scheduler.MinBatchSize, cfg.Scheduler.MaxBatchSize},
	}).Info("scheduler configured")
	return d, nil
}

func wirePostgres(ctx context.Context, d *dependencies, pool *pgxpool.Pool, log *logging.Logger) error {
	rec := outcome.NewPGRecorder(pool, log)
	if err := rec.EnsureSchema(ctx); err != nil {
		return err
	}
	d.recorders = append(d.recorders, rec)
	return nil
}

func nsqPinger(p *nsq.Producer) health.PingFunc {
	return func(context.Context) error { return p.Ping() }
}

func redisPinger(c redis.UniversalClient) health.PingFunc {
	return func(ctx context.Context) error { return c.Ping(ctx).Err() }
}
