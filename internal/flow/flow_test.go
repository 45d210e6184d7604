// Copyright 2025 James Ross
package flow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sagaqueue/sagaqueue/internal/codec"
	"github.com/sagaqueue/sagaqueue/internal/group"
	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

func newTestProducer(t *testing.T) (*Producer, redis.Cmdable) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	eng := scripts.New(rdb)
	return New(rdb, eng, group.New(rdb, eng), "sq", false), rdb
}

func TestAddParentWithChildrenGoesToWaitingChildren(t *testing.T) {
	p, rdb := newTestProducer(t)
	ctx := context.Background()

	result, err := p.Add(ctx, Node{
		QueueName: "orders", Name: "ship-order", Data: "{}",
		Children: []Node{
			{QueueName: "orders", Name: "charge-card", Data: "{}"},
			{QueueName: "orders", Name: "reserve-stock", Data: "{}"},
		},
	}, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)
	require.Len(t, result.Children, 2)

	layout := keys.New("sq", "orders", false)
	isMember, err := rdb.SIsMember(ctx, layout.Key(keys.WaitingChildren), result.JobID).Result()
	require.NoError(t, err)
	require.True(t, isMember)

	pending, err := rdb.HGet(ctx, layout.Job(result.JobID), "pendingChildren").Result()
	require.NoError(t, err)
	require.Equal(t, "2", pending)

	parentRef, err := rdb.HGet(ctx, layout.Job(result.Children[0].JobID), "parentId").Result()
	require.NoError(t, err)
	require.Equal(t, result.JobID, parentRef)
}

func TestAddGroupRejectsMismatchedCompensationKey(t *testing.T) {
	p, _ := newTestProducer(t)
	layout := keys.New("sq", "orders", false)
	_, _, err := p.AddGroup(context.Background(), layout, "checkout", []GroupJobSpec{
		{Name: "charge", Data: "{}"},
		{Name: "ship", Data: "{}"},
	}, map[string]string{"refund": "x"}, 1000)
	require.Error(t, err)
}

func TestAddGroupInsertsMembersAndGroupHash(t *testing.T) {
	p, rdb := newTestProducer(t)
	ctx := context.Background()
	layout := keys.New("sq", "orders", false)

	groupID, jobIDs, err := p.AddGroup(ctx, layout, "checkout", []GroupJobSpec{
		{Name: "charge", Data: "{}", Opts: codec.Options{Attempts: 3}},
		{Name: "ship", Data: "{}"},
	}, map[string]string{"charge": "refundCharge"}, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, groupID)
	require.Len(t, jobIDs, 2)

	state, err := rdb.HGet(ctx, layout.Group(groupID), "state").Result()
	require.NoError(t, err)
	require.Equal(t, "ACTIVE", state)
}
