// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sagaqueue/sagaqueue/internal/codec"
	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

func newTestQueue(t *testing.T) (*Queue, redis.Cmdable) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	eng := scripts.New(rdb)
	q := New(rdb, eng, "sq", "orders", false)
	q.DLQName = "orders-dlq"
	return q, rdb
}

func TestAddThenGetJobRoundTrips(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "ship-order", `{"orderId":123}`, codec.Options{Attempts: 3}, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, ok, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ship-order", job.Name)
	require.Equal(t, `{"orderId":123}`, job.Data)
	require.Equal(t, 3, job.Opts.Attempts)
}

func TestPauseMovesNewJobsToPaused(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Pause(ctx))
	id, err := q.Add(ctx, "t", "{}", codec.Options{}, 1000)
	require.NoError(t, err)

	layout := keys.New("sq", "orders", false)
	paused, err := rdb.LRange(ctx, layout.Key(keys.Paused), 0, -1).Result()
	require.NoError(t, err)
	require.Contains(t, paused, id)

	require.NoError(t, q.Resume(ctx))
}

func TestGetCountsReflectsWaitLength(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "a", "{}", codec.Options{}, 1000)
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", "{}", codec.Options{}, 1000)
	require.NoError(t, err)

	counts, err := q.GetCounts(ctx, []keys.Kind{keys.Wait})
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[string(keys.Wait)])
}

func TestDeadLetterThenReplayStripsMeta(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "42", Name: "charge-card", Data: `{"amount":500}`, Opts: codec.Options{Attempts: 3}, AttemptsMade: 3, Timestamp: 1000}
	dlqID, err := q.DeadLetter(ctx, job, "connection refused", []string{"err1", "err2"}, 5000)
	require.NoError(t, err)
	require.NotEmpty(t, dlqID)

	dlqJob, ok, err := q.PeekDeadLetter(ctx, dlqID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, dlqJob.Data, "_dlqMeta")
	require.Contains(t, dlqJob.Data, "connection refused")

	newID, err := q.ReplayDeadLetter(ctx, dlqID, 6000)
	require.NoError(t, err)

	replayed, ok, err := q.GetJob(ctx, newID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, replayed.Data, "_dlqMeta")
	require.Contains(t, replayed.Data, "amount")
	require.Equal(t, int64(0), replayed.AttemptsMade)

	count, err := q.GetDeadLetterCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestRetryJobsMovesFromFailedToWait(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()
	layout := keys.New("sq", "orders", false)

	id, err := q.Add(ctx, "t", "{}", codec.Options{}, 1000)
	require.NoError(t, err)
	require.NoError(t, rdb.LRem(ctx, layout.Key(keys.Wait), 1, id).Err())
	require.NoError(t, rdb.ZAdd(ctx, layout.Key(keys.Failed), redis.Z{Score: 1000, Member: id}).Err())

	require.NoError(t, q.RetryJobs(ctx, []string{id}, 2000))

	isMember, err := rdb.LPos(ctx, layout.Key(keys.Wait), id, redis.LPosArgs{}).Result()
	require.NoError(t, err)
	require.GreaterOrEqual(t, isMember, int64(0))
}
