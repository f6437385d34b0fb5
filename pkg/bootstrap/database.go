package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/pkg/retry"
)

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// PostgresDSN renders the lib/pq connection URL.
func PostgresDSN(cfg config.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.DBName,
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{cfg.SSLMode}}.Encode()
	}
	return u.String()
}

// InitRedis connects to Redis when a host is configured. The stream queue and the redis realtime
// publisher are its only users, so a nil client without error means Redis is not in use.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	cfg := dc.Config.Database.Redis
	if cfg.Host == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	err := retry.Do(ctx, startupPolicy(dc.Config.StreamQueue.Retry), func() error {
		return rdb.Ping(ctx).Err()
	}, func(attempt int, err error, next time.Duration) {
		dc.Logger.WarnwCtx(ctx, "Redis not reachable, retrying", "attempt", attempt, "next_in", next, "error", err)
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	cfg := dc.Config.Database.Postgres
	db, err := sql.Open("postgres", PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	err = retry.Do(ctx, startupPolicy(dc.Config.StreamQueue.Retry), func() error {
		return pingPostgres(ctx, db)
	}, func(attempt int, err error, next time.Duration) {
		dc.Logger.WarnwCtx(ctx, "PostgreSQL not reachable, retrying", "attempt", attempt, "next_in", next, "error", err)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "PostgreSQL connected successfully")
	return db, nil
}

// pingPostgres stops the startup retry on errors that waiting cannot fix.
func pingPostgres(ctx context.Context, db *sql.DB) error {
	err := db.PingContext(ctx)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "28", "3D": // invalid authorization, unknown database
			return retry.Fatal(err)
		}
	}
	return err
}

func (dc *DatabaseConnector) ShutdownDatabases(redisClient *redis.Client, postgres *sql.DB) []error {
	var errs []error

	if redisClient != nil {
		if err := redisClient.Close(); err != nil && err != redis.ErrClosed {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if postgres != nil {
		if err := postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	return errs
}
