// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sagaqueue/sagaqueue/internal/breaker"
	"github.com/sagaqueue/sagaqueue/internal/codec"
	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/queue"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

func newTestSetup(t *testing.T) (redis.Cmdable, *scripts.Engine, *queue.Queue, keys.Layout) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	eng := scripts.New(rdb)
	q := queue.New(rdb, eng, "sq", "orders", false)
	layout := keys.New("sq", "orders", false)
	return rdb, eng, q, layout
}

func testConfig() Config {
	return Config{
		Prefix: "sq", QueueName: "orders",
		Concurrency:       1,
		LockDuration:      200 * time.Millisecond,
		FetchBlockTimeout: 20 * time.Millisecond,
		DrainDelay:        200 * time.Millisecond,
		StalledInterval:   50 * time.Millisecond,
	}
}

func TestWorkerCompletesSuccessfulJob(t *testing.T) {
	rdb, eng, q, layout := newTestSetup(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "ship", "{}", codec.Options{Attempts: 1}, 1000)
	require.NoError(t, err)

	w := New(rdb, eng, nil, func(ctx context.Context, job queue.Job) (string, error) {
		return "ok", nil
	}, testConfig())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)
	defer w.Close()

	require.Eventually(t, func() bool {
		score, err := rdb.ZScore(ctx, layout.Key(keys.Completed), id).Result()
		return err == nil && score > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerRetriesThenFailsAfterExhaustingAttempts(t *testing.T) {
	rdb, eng, q, layout := newTestSetup(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "charge", "{}", codec.Options{Attempts: 2}, 1000)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.DefaultBackoff = codec.BackoffSpec{Type: "fixed", Delay: 1}
	w := New(rdb, eng, nil, func(ctx context.Context, job queue.Job) (string, error) {
		return "", fmt.Errorf("boom")
	}, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)
	defer w.Close()

	require.Eventually(t, func() bool {
		score, err := rdb.ZScore(ctx, layout.Key(keys.Failed), id).Result()
		return err == nil && score > 0
	}, 2*time.Second, 10*time.Millisecond)

	reason, err := rdb.HGet(ctx, layout.Job(id), "failedReason").Result()
	require.NoError(t, err)
	require.Equal(t, "boom", reason)
}

func TestWorkerRoutesUnrecoverableErrorStraightToDLQ(t *testing.T) {
	rdb, eng, q, layout := newTestSetup(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "charge", "{}", codec.Options{Attempts: 5}, 1000)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.DLQQueueName = "orders-dlq"
	w := New(rdb, eng, nil, func(ctx context.Context, job queue.Job) (string, error) {
		return "", &UnrecoverableError{Err: fmt.Errorf("poison payload")}
	}, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)
	defer w.Close()

	dlqLayout := keys.New("sq", "orders-dlq", false)
	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, dlqLayout.Key(keys.Wait)).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	card, err := rdb.ZCard(ctx, layout.Key(keys.Failed)).Result()
	require.NoError(t, err)
	require.Zero(t, card, "job should live only in the DLQ, not the source failed set")
}

func TestWorkerAccumulatesAttemptsAndStacktraceIntoDLQMeta(t *testing.T) {
	rdb, eng, q, layout := newTestSetup(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "charge", "{}", codec.Options{Attempts: 3}, 1000)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.DefaultBackoff = codec.BackoffSpec{Type: "fixed", Delay: 1}
	cfg.DLQQueueName = "orders-dlq"
	cfg.MaxStacktrace = 10
	attempt := 0
	w := New(rdb, eng, nil, func(ctx context.Context, job queue.Job) (string, error) {
		attempt++
		return "", fmt.Errorf("boom-%d", attempt)
	}, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)
	defer w.Close()

	dlqLayout := keys.New("sq", "orders-dlq", false)
	var dlqJobID string
	require.Eventually(t, func() bool {
		ids, err := rdb.LRange(ctx, dlqLayout.Key(keys.Wait), 0, -1).Result()
		if err != nil || len(ids) != 1 {
			return false
		}
		dlqJobID = ids[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	card, err := rdb.ZCard(ctx, layout.Key(keys.Failed)).Result()
	require.NoError(t, err)
	require.Zero(t, card)

	attemptsMade, err := rdb.HGet(ctx, layout.Job(id), "attemptsMade").Result()
	require.NoError(t, err)
	require.Equal(t, "3", attemptsMade)

	data, err := rdb.HGet(ctx, dlqLayout.Job(dlqJobID), "data").Result()
	require.NoError(t, err)
	require.Contains(t, data, `"attemptsMade":3`)
	require.Contains(t, data, `"boom-1"`)
	require.Contains(t, data, `"boom-2"`)
	require.Contains(t, data, `"boom-3"`)
}

func TestWorkerCloseReturnsPromptlyWhileCircuitOpen(t *testing.T) {
	rdb, eng, _, _ := newTestSetup(t)

	cfg := testConfig()
	cfg.Breaker = breaker.Config{Threshold: 1, Duration: time.Hour, HalfOpenMaxAttempts: 1}
	w := New(rdb, eng, nil, func(ctx context.Context, job queue.Job) (string, error) {
		return "", fmt.Errorf("always fails")
	}, cfg)
	w.cb.RecordFailure() // force OPEN without needing a real fetch cycle

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(runCtx)

	start := time.Now()
	w.Close()
	require.Less(t, time.Since(start), time.Second)
}
