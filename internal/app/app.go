package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/mediasync/internal/analyzer"
	"github.com/LeventeLantos/mediasync/internal/api"
	"github.com/LeventeLantos/mediasync/internal/audit"
	"github.com/LeventeLantos/mediasync/internal/config"
	"github.com/LeventeLantos/mediasync/internal/inflight"
	"github.com/LeventeLantos/mediasync/internal/notify"
	"github.com/LeventeLantos/mediasync/internal/observability"
	"github.com/LeventeLantos/mediasync/internal/repo"
	"github.com/LeventeLantos/mediasync/internal/retry"
	"github.com/LeventeLantos/mediasync/internal/scheduler"
	"github.com/LeventeLantos/mediasync/internal/service"
	"github.com/LeventeLantos/mediasync/internal/syncer"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	auditTimeout      = 3 * time.Second
)

// App holds the wired service for the CLI commands.
type App struct {
	Config       *config.Config
	Orchestrator *service.Orchestrator

	db      *repo.PostgresMessageRepo
	redis   *redis.Client
	retrier *retry.Retrier
	logger  *zerolog.Logger
}

// Stores are the persistence collaborators; New fills them from Postgres.
type Stores struct {
	Records repo.RecordStore
	Cursors repo.CursorStore
	// AuditDB receives audit rows; nil keeps the audit trail in the log only.
	AuditDB audit.Execer
}

// New connects to Postgres and Redis and wires the orchestrator.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	db, err := repo.Connect(ctx, cfg.Database.PostgresDSN, repo.PoolOptions{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The marker degrades to local de-duplication while Redis is down.
			logger.Warn().Err(err).Str("addr", cfg.Redis.Address).Msg("redis not reachable at startup")
		}
	}

	a := Assemble(cfg, Stores{Records: db, Cursors: db, AuditDB: db.Pool()}, rdb, logger)
	a.db = db
	return a, nil
}

// Assemble builds the App from already opened collaborators. rdb may be nil.
func Assemble(cfg *config.Config, stores Stores, rdb *redis.Client, logger *zerolog.Logger) *App {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.BaseDelay = cfg.Retry.BaseDelay
	policy.MaxDelay = cfg.Retry.MaxDelay
	policy.OnRetry = observability.RecordRetry
	retrier := retry.New(policy, logger)

	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if stores.AuditDB != nil {
		sinks = append(sinks, audit.NewPostgresSink(stores.AuditDB, auditTimeout, logger))
	}
	sink := audit.Multi(sinks...)

	machine := syncer.New(stores.Records, retrier, sink, syncer.Options{
		MaxRetries:   cfg.Retry.SyncMaxRetries,
		StoreTimeout: cfg.Database.StoreTimeout,
	}, logger)

	var marker inflight.Marker = inflight.NoopMarker{}
	if rdb != nil {
		marker = inflight.NewRedisMarker(rdb, cfg.Redis.InflightTTL)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Webhook.URL != "" {
		notifier = notify.NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.Timeout)
	}

	orch := service.New(service.Deps{
		Store:    stores.Records,
		Cursors:  stores.Cursors,
		Syncer:   machine,
		Analyzer: NewAnalyzer(cfg.Analyzer, logger),
		Marker:   marker,
		Notifier: notifier,
		Audit:    sink,
		Retrier:  retrier,
		Logger:   logger,
	}, service.Options{
		BatchLimit:   cfg.Sweep.BatchLimit,
		Concurrency:  cfg.Sweep.Concurrency,
		Overlap:      cfg.Sweep.Overlap,
		StoreTimeout: cfg.Database.StoreTimeout,
		SyncTimeout:  cfg.Retry.SyncTimeout,
	}).WithHooks(observability.Hooks())

	return &App{Config: cfg, Orchestrator: orch, redis: rdb, retrier: retrier, logger: logger}
}

// NewAnalyzer prefers the OpenAI analyzer with the caption parser as
// fallback, or the parser alone without an API key.
func NewAnalyzer(cfg config.AnalyzerConfig, logger *zerolog.Logger) analyzer.Analyzer {
	manual := analyzer.NewManualParser()
	if !cfg.AIEnabled() {
		return manual
	}
	ai := analyzer.NewOpenAIAnalyzer(analyzer.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		RPS:     cfg.RPS,
	}, logger)
	return analyzer.Fallback(ai, manual, logger)
}

func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return errors.New("no database connection")
	}
	return a.db.Migrate(ctx)
}

// Serve runs the HTTP API and the sweep scheduler until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if a.Config.Sweep.OnStart {
		a.Orchestrator.RunSweep(ctx, service.SweepOptions{})
	}

	sched, err := scheduler.New(a.Config.Sweep.Interval, func(ctx context.Context) {
		a.Orchestrator.RunScheduledSweep(ctx)
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              a.Config.Server.Address,
		Handler:           api.Router(api.NewHandler(sched, a.Orchestrator, a.logger)),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info().Str("addr", srv.Addr).Dur("sweep_interval", a.Config.Sweep.Interval).Msg("mediasync listening")

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
