//go:build integration

package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// newContainerClient starts a real Redis so the Lua scripts run on the
// server's own interpreter, not an emulation.
func newContainerClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { ctr.Terminate(ctx) }) //nolint:errcheck

	connStr, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	// ConnectionString returns "redis://host:port"; strip the scheme for go-redis Addr.
	client := NewClient(strings.TrimPrefix(connStr, "redis://"))
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return client
}

func TestQueueIntegration_Lifecycle(t *testing.T) {
	client := newContainerClient(t)
	q := NewQueue(client, "qa", WithBackoff(10*time.Millisecond, time.Second), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{{"T1", 5}, {"T2", 8}, {"T3", 5}, {"T4", PriorityMax}} {
		_, err := q.Enqueue(ctx, &domain.Task{ID: tc.id, Priority: tc.priority, MaxRetries: 1})
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 4; i++ {
		task, err := q.Dequeue(ctx, "w-1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, task)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"T4", "T2", "T1", "T3"}, order)

	require.NoError(t, q.Complete(ctx, "T4", "w-1", domain.Result{Output: []byte("done")}))

	res, err := q.Fail(ctx, "T2", "w-1", errors.New("flaky"), true)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, res.Delay)

	retried, err := q.Dequeue(ctx, "w-2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, "T2", retried.ID)
	assert.Equal(t, 1, retried.RetryCount)

	res, err = q.Fail(ctx, "T2", "w-2", errors.New("flaky again"), true)
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)

	ttl, err := client.PTTL(ctx, q.taskKey("T4")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "completed records expire")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Processing)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}
