package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"waconnector/internal/agents"
	"waconnector/internal/api"
	"waconnector/internal/config"
	"waconnector/internal/constants"
	"waconnector/internal/ingest"
	"waconnector/internal/logger"
	"waconnector/internal/media"
	"waconnector/internal/persistence"
	"waconnector/internal/processing"
	"waconnector/internal/realtime"
	"waconnector/internal/retryqueue"
	"waconnector/internal/session"
	"waconnector/internal/store"
	"waconnector/internal/streamqueue"
	"waconnector/pkg/bootstrap"
	"waconnector/pkg/cel"
	"waconnector/pkg/health"
	"waconnector/pkg/metrics"
	"waconnector/pkg/migrations"
	"waconnector/pkg/tracing"
)

type App struct {
	*bootstrap.Base

	dbConnector  *bootstrap.DatabaseConnector
	db           *sql.DB
	redisClient  *redis.Client
	streamClient *redis.Client

	store      store.Store
	sessions   *session.Registry
	batchers   *persistence.Batchers
	emitter    *realtime.Emitter
	agents     *agents.Notifier
	retryQueue *retryqueue.Queue
	stream     *streamqueue.Adapter
	dispatcher *ingest.Dispatcher

	health         *health.CheckerRegistry
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.RegisterAll()

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initSessions(ctx); err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	a.initHealth()
	a.initServer(ctx)
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.Config.Database.RunMigrations {
		if err := migrations.Up(db, migrationSource(a.Config)); err != nil {
			return err
		}
		a.Logger.InfowCtx(ctx, "Migrations applied", "source", migrationSource(a.Config))
	}

	var s store.Store = store.NewPostgres(db, a.Config.Database.Postgres.QueryTimeout)
	if a.Config.CircuitBreaker.Enabled {
		s = store.NewCircuitBreakerStore(s, a.Config.CircuitBreaker)
	}
	a.store = s

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redisClient = redisClient

	// The stream adapter closes its client on stop, so it gets its own.
	if a.Config.StreamQueue.Enabled {
		if redisClient == nil {
			return errors.New("stream queue requires database.redis.host")
		}
		streamClient, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return err
		}
		a.streamClient = streamClient
	}
	return nil
}

func (a *App) initSessions(ctx context.Context) error {
	a.sessions = session.NewRegistry()
	repo := session.NewRepository(a.store, a.Logger)

	n, err := session.Bootstrap(ctx, repo, a.sessions, a.Logger)
	if err != nil {
		return err
	}
	a.Logger.InfowCtx(ctx, "Sessions bootstrapped", "count", n)
	return nil
}

func (a *App) initPipeline(ctx context.Context) error {
	cfg := a.Config

	a.batchers = persistence.NewBatchers(a.store, cfg.Batching, a.Logger)

	var publisherClient redis.UniversalClient
	if a.redisClient != nil {
		publisherClient = a.redisClient
	}
	publisher, err := realtime.NewPublisher(cfg.Realtime, publisherClient, a.Logger)
	if err != nil {
		return err
	}
	a.emitter = realtime.NewEmitter(publisher, cfg.Realtime.ChannelPrefix, a.Logger)

	var sink media.Sink
	if cfg.Media.Enabled {
		s3Store, err := media.NewS3Store(ctx, cfg.Media)
		if err != nil {
			return err
		}
		sink = s3Store
	}

	var notifier ingest.AgentsNotifier
	if a.agents = agents.NewNotifier(cfg.Agents, a.Logger); a.agents != nil {
		notifier = a.agents
	}

	filter, err := cel.NewFilter(cfg.Ingest.FilterExpression)
	if err != nil {
		return fmt.Errorf("invalid ingest.filter_expression: %w", err)
	}

	var processor *ingest.Processor
	a.retryQueue = retryqueue.New(cfg.RetryQueue, retryqueue.Deps{
		Processor: processing.ProcessorFunc(func(ctx context.Context, req processing.Request) error {
			return processor.Process(ctx, req)
		}),
		Sessions:    a.sessions,
		IsTransient: store.IsTransientError,
		Logger:      a.Logger,
	})
	processor = ingest.NewProcessor(ingest.Deps{
		Batchers:      a.batchers,
		Conversations: persistence.NewRepository(a.store),
		RetryQueue:    a.retryQueue,
		Media:         sink,
		Emitter:       a.emitter,
		Agents:        notifier,
		Filter:        filter,
		IsTransient:   store.IsTransientError,
		Logger:        a.Logger,
	}, cfg.Ingest.HistoryDays)

	if err := a.retryQueue.LoadFromDisk(ctx); err != nil {
		a.Logger.WarnwCtx(ctx, "Retry queue backlog partially loaded", "error", err)
	}

	deps := ingest.DispatcherDeps{
		Sessions:   a.sessions,
		Repository: session.NewRepository(a.store, a.Logger),
		Processor:  processor,
		RetryQueue: a.retryQueue,
		Logger:     a.Logger,
	}

	if a.streamClient != nil {
		a.stream = streamqueue.New(a.streamClient, cfg.StreamQueue, streamqueue.Deps{
			Processor:   processor,
			Sessions:    a.sessions,
			Logger:      a.Logger,
			OnProcessed: a.replayAfterSuccess,
		})
		if err := a.stream.EnsureGroup(ctx); err != nil {
			a.Logger.WarnwCtx(ctx, "Stream consumer group not ready, retrying on start", "error", err)
		}
		deps.Stream = a.stream
	}

	a.dispatcher = ingest.NewDispatcher(deps, cfg.Ingest.HistoryDays)
	return nil
}

// replayAfterSuccess drains the retry queue once the store has accepted a write again.
func (a *App) replayAfterSuccess(ctx context.Context, _ processing.QueuedMessage, _ *session.Session) {
	if a.retryQueue.HasPending() && !a.retryQueue.IsDBUnavailable() {
		go a.retryQueue.Flush(context.WithoutCancel(ctx))
	}
}

func (a *App) initHealth() {
	a.health.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		a.health.Register(health.NewRedisChecker(a.redisClient))
	}
	a.health.Register(health.NewFuncChecker("retry_queue", func(ctx context.Context) error {
		st := a.retryQueue.Status()
		if st.DBUnavailable {
			return &health.DegradedError{Reason: fmt.Sprintf("store unavailable until %s, %d queued", st.CooldownUntil.Format(time.RFC3339), st.Depth)}
		}
		return nil
	}))
}

func (a *App) initServer(ctx context.Context) {
	handler := &api.Handler{
		Ingester:   a.dispatcher,
		Sessions:   a.sessions,
		RetryQueue: a.retryQueue,
		Batchers:   a.batchers,
		Logger:     a.Logger,
	}
	if a.stream != nil {
		handler.Stream = a.stream
	}

	router := api.NewRouter(ctx, api.RouterOptions{
		Server:      a.Config.Server,
		Tracing:     a.Config.Tracing.Enabled,
		ServiceName: constants.ServiceName,
		Health:      a.health,
	}, handler)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
}

// Run serves until ctx is done or the server fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.retryQueue.Start(ctx)
	if a.stream != nil {
		a.stream.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops intake first, then the consumers, then drains buffered writes before closing
// connections. It is safe on a partially initialized App.
func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx,
		func(ctx context.Context) error {
			if a.server == nil {
				return nil
			}
			if err := a.server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown error: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if a.stream == nil {
				if a.streamClient != nil {
					return a.streamClient.Close()
				}
				return nil
			}
			if err := a.stream.Stop(ctx); err != nil {
				return fmt.Errorf("stream shutdown error: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if a.retryQueue != nil {
				a.retryQueue.Stop()
			}
			return nil
		},
		func(ctx context.Context) error {
			if a.batchers == nil {
				return nil
			}
			if err := a.batchers.Close(ctx); err != nil {
				return fmt.Errorf("batcher drain error: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if a.emitter == nil {
				return nil
			}
			if err := a.emitter.Close(ctx); err != nil {
				return fmt.Errorf("realtime publisher close error: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if a.agents == nil {
				return nil
			}
			if err := a.agents.Close(ctx); err != nil {
				return fmt.Errorf("agents notifier drain error: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if a.tracerProvider == nil {
				return nil
			}
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				return fmt.Errorf("tracer provider shutdown error: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			return errors.Join(a.dbConnector.ShutdownDatabases(a.redisClient, a.db)...)
		},
	)
}
