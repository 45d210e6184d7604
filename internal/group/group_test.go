// Copyright 2025 James Ross
package group

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

func newTestCoordinator(t *testing.T) (*Coordinator, redis.Cmdable, keys.Layout) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	layout := keys.New("sq", "orders", false)
	return New(rdb, scripts.New(rdb)), rdb, layout
}

func TestCreateRejectsMismatchedCompensationKey(t *testing.T) {
	c, _, layout := newTestCoordinator(t)
	err := c.Create(context.Background(), layout, "g1", "checkout", 1,
		[]Member{{JobID: "1", Name: "charge"}, {JobID: "2", Name: "ship"}},
		map[string]string{"refund": "cData"}, nil)
	require.Error(t, err)
}

func TestCreateRejectsMemberWithParent(t *testing.T) {
	c, _, layout := newTestCoordinator(t)
	err := c.Create(context.Background(), layout, "g1", "checkout", 1,
		[]Member{{JobID: "1", Name: "charge"}}, nil,
		func(jobID string) bool { return jobID == "1" })
	require.Error(t, err)
}

func TestCreateWritesGroupHashAndMemberIndex(t *testing.T) {
	c, rdb, layout := newTestCoordinator(t)
	ctx := context.Background()
	err := c.Create(ctx, layout, "g1", "checkout", 1000,
		[]Member{{JobID: "1", Name: "charge"}, {JobID: "2", Name: "ship"}}, nil, nil)
	require.NoError(t, err)

	state, err := rdb.HGet(ctx, layout.Group("g1"), "state").Result()
	require.NoError(t, err)
	require.Equal(t, "ACTIVE", state)

	status, err := rdb.HGet(ctx, layout.GroupJobs("g1"), keys.FullJobKey("sq", "orders", "1")).Result()
	require.NoError(t, err)
	require.Equal(t, "pending", status)
}

func TestDispatchCompensationEnqueuesOneJobPerCompletedSibling(t *testing.T) {
	c, rdb, layout := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Create(ctx, layout, "g1", "checkout", 1000,
		[]Member{{JobID: "1", Name: "charge"}, {JobID: "2", Name: "ship"}},
		map[string]string{"charge": "refundCharge"}, nil))

	fullKey := keys.FullJobKey("sq", "orders", "1")
	require.NoError(t, rdb.HSet(ctx, fullKey, "name", "charge").Err())

	n, err := c.DispatchCompensation(ctx, layout, "g1", 2000, []string{fullKey},
		map[string]interface{}{"charge": "refundCharge"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	compLayout := keys.New("sq", layout.Compensation(), false)
	length, err := rdb.LLen(ctx, compLayout.Key(keys.Wait)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), length)
}
