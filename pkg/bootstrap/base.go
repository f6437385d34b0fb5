package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/pkg/retry"
)

type Base struct {
	Config *config.Config
	Logger logger.Logger
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// Shutdown runs steps in order and reports every failure.
func (b *Base) Shutdown(ctx context.Context, steps ...func(ctx context.Context) error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application")

	var errs []error
	for _, step := range steps {
		if step == nil {
			continue
		}
		if err := step(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}

func startupPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.StartupPolicy().Override(retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		MaxElapsedTime:  cfg.MaxElapsedTime,
	})
}
