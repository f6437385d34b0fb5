package store

import (
	"context"
	"fmt"

	"waconnector/internal/config"
	"waconnector/pkg/circuitbreaker"
	apperrors "waconnector/pkg/errors"
)

// CircuitBreakerStore guards a Store with a breaker that only counts transient failures,
// so constraint violations and other logical errors never open it.
type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(store Store, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	if !cfg.Enabled {
		return &CircuitBreakerStore{store: store}
	}

	cbConfig := circuitbreaker.FromSettings("postgres-store", cfg.MaxRequests, cfg.Interval, cfg.Timeout, cfg.FailureRatio, cfg.MinRequests)
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil || !IsTransientError(err)
	}

	return &CircuitBreakerStore{
		store: store,
		cb:    circuitbreaker.NewWrapper(cbConfig),
	}
}

func (s *CircuitBreakerStore) BulkInsert(ctx context.Context, table string, rows []Row, returning []string) ([]Row, error) {
	return s.execute(ctx, func() ([]Row, error) {
		return s.store.BulkInsert(ctx, table, rows, returning)
	})
}

func (s *CircuitBreakerStore) BulkUpsert(ctx context.Context, table string, rows []Row, conflict []string, returning []string) ([]Row, error) {
	return s.execute(ctx, func() ([]Row, error) {
		return s.store.BulkUpsert(ctx, table, rows, conflict, returning)
	})
}

func (s *CircuitBreakerStore) Select(ctx context.Context, table string, columns []string, filter Filter) ([]Row, error) {
	return s.execute(ctx, func() ([]Row, error) {
		return s.store.Select(ctx, table, columns, filter)
	})
}

func (s *CircuitBreakerStore) Update(ctx context.Context, table string, values Row, filter Filter, returning []string) ([]Row, error) {
	return s.execute(ctx, func() ([]Row, error) {
		return s.store.Update(ctx, table, values, filter, returning)
	})
}

func (s *CircuitBreakerStore) execute(ctx context.Context, fn func() ([]Row, error)) ([]Row, error) {
	if s.cb == nil {
		return fn()
	}

	result, err := s.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return fn()
	})

	s.cb.RecordRequest(err == nil || !IsTransientError(err))

	if err != nil {
		if s.cb.IsOpen() {
			return nil, apperrors.ErrStoreUnavailable.WithCause(fmt.Errorf("circuit breaker is open for postgres-store: %w", err))
		}
		return nil, err
	}

	rows, _ := result.([]Row)
	return rows, nil
}

func (s *CircuitBreakerStore) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) IsOpen() bool {
	if s.cb == nil {
		return false
	}
	return s.cb.IsOpen()
}
