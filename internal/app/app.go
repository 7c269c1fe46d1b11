// Package app wires the broadcast service from configuration. The gateway
// binary serves the HTTP API and optionally the pipeline; the worker binary
// runs only the pipeline.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/wabroadcast/internal/api"
	"github.com/lalithlochan/wabroadcast/internal/campaign"
	"github.com/lalithlochan/wabroadcast/internal/circuitbreaker"
	"github.com/lalithlochan/wabroadcast/internal/config"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/dispatch"
	"github.com/lalithlochan/wabroadcast/internal/events"
	"github.com/lalithlochan/wabroadcast/internal/metrics"
	"github.com/lalithlochan/wabroadcast/internal/redis"
	"github.com/lalithlochan/wabroadcast/internal/scheduler"
	"github.com/lalithlochan/wabroadcast/internal/transport"
	"github.com/lalithlochan/wabroadcast/internal/worker"
)

// queue is what both dispatch queue implementations provide
type queue interface {
	dispatch.Publisher
	dispatch.Consumer
}

// App holds the wired components
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *db.DB
	redis       *redis.Client
	rateLimiter *redis.RateLimiter

	Service   *campaign.Service
	Handler   *api.Handler
	Runner    *scheduler.Runner
	Scheduler *scheduler.Scheduler
	Worker    *worker.Worker
}

// New connects to Postgres and, when configured, Redis and the event topic.
// withPipeline also builds the dispatch queue, scheduler and sender;
// without it Runner, Scheduler and Worker stay nil.
func New(ctx context.Context, cfg *config.Config, withPipeline bool, logger *zap.Logger) (*App, error) {
	database, err := db.New(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, db: database}
	repo := db.NewRepository(database, logger)

	if cfg.RedisHost != "" {
		client, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, using postgres send limiter and no idempotency",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			a.redis = client
		}
	}

	var limiter scheduler.Limiter = db.NewCounterLimiter(repo, logger)
	var idempotency *redis.IdempotencyService
	if a.redis != nil {
		limiter = redis.NewSendLimiter(a.redis, logger)
		idempotency = redis.NewIdempotencyService(a.redis, logger)
		a.rateLimiter = redis.NewRateLimiter(a.redis, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
	}

	var notifier campaign.StatusNotifier
	if cfg.SNSTopicARN != "" {
		pub, err := events.NewPublisher(ctx, events.Config{
			Region:   cfg.SNSRegion,
			TopicARN: cfg.SNSTopicARN,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		notifier = pub
	}

	materializer := campaign.NewMaterializer(repo, campaign.NewResolver(repo, logger), cfg.MaxRetries, logger)
	aggregator := campaign.NewAggregator(repo, notifier, logger)

	var kicker campaign.Kicker
	if withPipeline {
		tz, err := time.LoadLocation(cfg.DefaultTimezone)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load default timezone: %w", err)
		}

		q, err := newQueue(ctx, cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}

		a.Scheduler = scheduler.New(repo, limiter, q, aggregator, scheduler.Config{
			BatchSize:         cfg.SchedulerBatchSize,
			TenantBatchSize:   cfg.TenantBatchSize,
			ProcessingTimeout: cfg.ProcessingTimeout,
			BusinessHours: scheduler.BusinessHours{
				StartHour: cfg.BusinessHoursStart,
				EndHour:   cfg.BusinessHoursEnd,
			},
			DefaultTimezone: tz,
		}, logger).WithCounterPurger(repo)

		a.Runner = scheduler.NewRunner(a.Scheduler, scheduler.RunnerConfig{
			TickInterval:  cfg.SchedulerInterval,
			SweepInterval: cfg.SweepInterval,
			JobTimeout:    cfg.StoreTimeout,
		}, logger)
		kicker = a.Runner

		a.Worker = worker.New(repo, newTransport(cfg, logger), q, aggregator, worker.Config{
			Concurrency: cfg.SenderConcurrency,
			SendTimeout: cfg.TransportTimeout,
			RetryBase:   cfg.RetryBaseDelay,
			RetryCap:    cfg.RetryMaxDelay,
		}, logger)
	}

	a.Service = campaign.NewService(repo, materializer, aggregator, notifier, kicker, cfg.DefaultRateLimit, logger)
	a.Handler = api.NewHandler(logger, a.Service, idempotency)

	logger.Info("broadcast service wired",
		zap.Bool("redis", a.redis != nil),
		zap.Bool("sqs", cfg.SQSQueueURL != ""),
		zap.Bool("events", notifier != nil),
		zap.Bool("pipeline", withPipeline),
		zap.Bool("http_transport", cfg.TransportURL != ""),
	)

	return a, nil
}

func newQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue, error) {
	if cfg.SQSQueueURL == "" {
		logger.Warn("SQS_QUEUE_URL not set, dispatching through the in-process queue")
		return dispatch.NewMemoryQueue(0), nil
	}

	q, err := dispatch.NewSQSQueue(ctx, dispatch.SQSConfig{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSQueueURL,
		Endpoint: cfg.AWSEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqs queue: %w", err)
	}
	return q, nil
}

func newTransport(cfg *config.Config, logger *zap.Logger) transport.Transport {
	var next transport.Transport
	if cfg.TransportURL == "" {
		logger.Warn("TRANSPORT_URL not set, messages are logged instead of sent")
		next = transport.NewLogTransport(logger)
	} else {
		next = transport.NewHTTPTransport(transport.HTTPConfig{
			BaseURL: cfg.TransportURL,
			Token:   cfg.TransportToken,
			Timeout: cfg.TransportTimeout,
		}, logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("transport"), logger)
	return circuitbreaker.NewProtectedTransport(next, breaker, logger)
}

// Router builds the HTTP handler with the API under /v1
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(a.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(a.rateLimiter, a.logger, api.TenantKeyFunc))
		a.Handler.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

// RunPipeline runs the scheduler and the sender until ctx is done
func (a *App) RunPipeline(ctx context.Context) error {
	if a.Runner == nil || a.Worker == nil {
		return fmt.Errorf("pipeline not wired")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Runner.Run(ctx) })
	g.Go(func() error { return a.Worker.Run(ctx) })
	return g.Wait()
}

// Close releases connections
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	a.db.Close()
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
