// Copyright 2025 James Ross
package scripts

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sagaqueue/sagaqueue/internal/keys"
)

func newTestEngine(t *testing.T) (*Engine, redis.Cmdable, keys.Layout) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	layout := keys.New("sq", "orders", false)
	return New(rdb), rdb, layout
}

func TestAddJobThenMoveToActiveThenFinish(t *testing.T) {
	eng, rdb, layout := newTestEngine(t)
	ctx := context.Background()

	jobID, inserted, err := eng.AddJob(ctx, AddJobKeys{
		Base:            layout.Base(),
		Wait:            layout.Key(keys.Wait),
		Paused:          layout.Key(keys.Paused),
		Delayed:         layout.Key(keys.Delayed),
		Prioritized:     layout.Key(keys.Prioritized),
		WaitingChildren: layout.Key(keys.WaitingChildren),
		Meta:            layout.Key(keys.Meta),
		IDCounter:       layout.Key(keys.ID),
		PriorityCounter: layout.Key(keys.PriorityCounter),
		Events:          layout.Key(keys.Events),
		Marker:          layout.Key(keys.Marker),
	}, AddJobArgs{
		Name: "charge-card", Data: `{"orderId":1}`, Opts: "{}",
		Timestamp: 1000, MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotEmpty(t, jobID)

	jobID2, grantedToken, limiterTTL, err := eng.MoveToActive(ctx, MoveToActiveKeys{
		Base: layout.Base(), Wait: layout.Key(keys.Wait), Prioritized: layout.Key(keys.Prioritized),
		Delayed: layout.Key(keys.Delayed), Active: layout.Key(keys.Active), Meta: layout.Key(keys.Meta),
		Limiter: layout.Key(keys.Limiter), Events: layout.Key(keys.Events), Marker: layout.Key(keys.Marker),
		PriorityCounter: layout.Key(keys.PriorityCounter),
	}, 1001, 30000, "token-1", 50)
	require.NoError(t, err)
	require.Equal(t, jobID, jobID2)
	require.Equal(t, "token-1", grantedToken)
	require.Zero(t, limiterTTL)

	outcome, err := eng.MoveToFinished(ctx, MoveToFinishedKeys{
		Base: layout.Base(), Active: layout.Key(keys.Active), TargetSet: layout.Key(keys.Completed),
		Events: layout.Key(keys.Events), GroupHash: layout.Group("none"), GroupJobsHash: layout.GroupJobs("none"),
	}, MoveToFinishedArgs{
		JobID: jobID, Token: "token-1", Now: 1002, Target: "completed", ResultValue: `"ok"`,
		KeepCount: -1, KeepAge: -1, MaxStacktrace: 10,
	})
	require.NoError(t, err)
	require.Empty(t, outcome.GroupTransition)

	score, err := rdb.ZScore(ctx, layout.Key(keys.Completed), jobID).Result()
	require.NoError(t, err)
	require.Equal(t, float64(1002), score)
}

func TestMoveToFinishedRejectsMismatchedToken(t *testing.T) {
	eng, _, layout := newTestEngine(t)
	ctx := context.Background()

	jobID, _, err := eng.AddJob(ctx, AddJobKeys{
		Base: layout.Base(), Wait: layout.Key(keys.Wait), Paused: layout.Key(keys.Paused),
		Delayed: layout.Key(keys.Delayed), Prioritized: layout.Key(keys.Prioritized),
		WaitingChildren: layout.Key(keys.WaitingChildren), Meta: layout.Key(keys.Meta),
		IDCounter: layout.Key(keys.ID), PriorityCounter: layout.Key(keys.PriorityCounter),
		Events: layout.Key(keys.Events), Marker: layout.Key(keys.Marker),
	}, AddJobArgs{Name: "n", Data: "{}", Opts: "{}", Timestamp: 1, MaxAttempts: 1})
	require.NoError(t, err)

	_, _, _, err = eng.MoveToActive(ctx, MoveToActiveKeys{
		Base: layout.Base(), Wait: layout.Key(keys.Wait), Prioritized: layout.Key(keys.Prioritized),
		Delayed: layout.Key(keys.Delayed), Active: layout.Key(keys.Active), Meta: layout.Key(keys.Meta),
		Limiter: layout.Key(keys.Limiter), Events: layout.Key(keys.Events), Marker: layout.Key(keys.Marker),
		PriorityCounter: layout.Key(keys.PriorityCounter),
	}, 2, 30000, "real-token", 50)
	require.NoError(t, err)

	_, err = eng.MoveToFinished(ctx, MoveToFinishedKeys{
		Base: layout.Base(), Active: layout.Key(keys.Active), TargetSet: layout.Key(keys.Completed),
		Events: layout.Key(keys.Events), GroupHash: layout.Group("none"), GroupJobsHash: layout.GroupJobs("none"),
	}, MoveToFinishedArgs{
		JobID: jobID, Token: "wrong-token", Now: 3, Target: "completed", ResultValue: `"ok"`,
		KeepCount: -1, KeepAge: -1, MaxStacktrace: 10,
	})
	require.Error(t, err)
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	require.Equal(t, CodeJobLockMismatch, invErr.Code)
}

func TestExtendLockRenewsOnlyForMatchingToken(t *testing.T) {
	eng, rdb, layout := newTestEngine(t)
	ctx := context.Background()
	lockKey := layout.Lock("1")
	require.NoError(t, rdb.Set(ctx, lockKey, "tok", 0).Err())

	require.NoError(t, eng.ExtendLock(ctx, lockKey, "tok", 5000))

	err := eng.ExtendLock(ctx, lockKey, "other", 5000)
	require.Error(t, err)
}

func TestRetryJobRequiresFailedMembership(t *testing.T) {
	eng, _, layout := newTestEngine(t)
	ctx := context.Background()
	err := eng.RetryJob(ctx, layout.Key(keys.Failed), layout.Key(keys.Wait), layout.Key(keys.Events), layout.Key(keys.Marker), "999", 1)
	require.Error(t, err)
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	require.Equal(t, CodeJobNotInState, invErr.Code)
}

func TestPauseQueueMovesWaitToPaused(t *testing.T) {
	eng, rdb, layout := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, rdb.RPush(ctx, layout.Key(keys.Wait), "5").Err())

	require.NoError(t, eng.PauseQueue(ctx, layout.Key(keys.Meta), layout.Key(keys.Wait), layout.Key(keys.Paused), "pause"))

	n, err := rdb.LLen(ctx, layout.Key(keys.Paused)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
