//go:build integration

package streamqueue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"waconnector/internal/logger"
	"waconnector/internal/session"
)

func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	container, err := redismodule.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func newRedisClient(t *testing.T, uri string) *redis.Client {
	t.Helper()
	opt, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestAdapter_ConsumersShareTheStream(t *testing.T) {
	uri := setupRedis(t)
	ctx := context.Background()

	sessions := session.NewRegistry()
	sessions.Put(&session.Session{IntegrationAccountID: "acc-1", WorkspaceID: "w1", Status: session.StatusConnected})

	processors := []*captureProcessor{{}, {}}
	adapters := make([]*Adapter, len(processors))
	for i, p := range processors {
		cfg := testConfig()
		cfg.ConsumerName = fmt.Sprintf("worker-%d", i+1)
		cfg.BatchSize = 1
		adapters[i] = New(newRedisClient(t, uri), cfg, Deps{
			Processor: p,
			Sessions:  sessions,
			Logger:    logger.NopLogger(),
		})
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, a := range adapters {
			_ = a.Stop(stopCtx)
		}
	})

	require.NoError(t, adapters[0].EnsureGroup(ctx))
	require.NoError(t, adapters[1].EnsureGroup(ctx))

	const total = 20
	for i := 0; i < total; i++ {
		require.True(t, adapters[i%2].Enqueue(ctx, queued("acc-1", fmt.Sprintf("m%d", i))))
	}
	for _, a := range adapters {
		a.Start(ctx)
	}

	assert.Eventually(t, func() bool {
		return processors[0].count()+processors[1].count() == total
	}, 10*time.Second, 20*time.Millisecond)

	seen := make(map[string]int)
	for _, p := range processors {
		p.mu.Lock()
		for _, req := range p.reqs {
			seen[req.Message.Key.ID]++
		}
		p.mu.Unlock()
	}
	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	check := newRedisClient(t, uri)
	defer check.Close()
	pending, err := check.XPending(ctx, "connector:inbound", "connector-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
