// Copyright 2025 James Ross
package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T) (redis.Cmdable, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, "sq:orders:events"
}

func TestReaderFromStartReturnsAppendedEvents(t *testing.T) {
	rdb, stream := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"event": "waiting", "jobId": "1"},
	}).Err())

	r := NewReaderFrom(rdb, stream, "0")
	evs, err := r.Next(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "waiting", evs[0].Type)
	require.Equal(t, "1", evs[0].JobID)
	require.NotEmpty(t, r.Cursor())
}

func TestReaderAdvancesCursorAcrossCalls(t *testing.T) {
	rdb, stream := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream, Values: map[string]interface{}{"event": "waiting", "jobId": "1"},
	}).Err())

	r := NewReaderFrom(rdb, stream, "0")
	first, err := r.Next(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream, Values: map[string]interface{}{"event": "completed", "jobId": "1", "returnvalue": "ok"},
	}).Err())

	second, err := r.Next(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "completed", second[0].Type)
	require.Equal(t, "ok", second[0].ReturnValue)
}

func TestDispatchRoutesByEventType(t *testing.T) {
	var waitingSeen, completedSeen, groupSeen bool
	d := Dispatcher{
		OnWaiting:    func(Event) { waitingSeen = true },
		OnCompleted:  func(Event) { completedSeen = true },
		OnGroupEvent: func(Event) { groupSeen = true },
	}

	d.Dispatch(Event{Type: "waiting"})
	d.Dispatch(Event{Type: "completed"})
	d.Dispatch(Event{Type: "group:compensating"})

	require.True(t, waitingSeen)
	require.True(t, completedSeen)
	require.True(t, groupSeen)
}

func TestDispatchUnrecognizedFallsThrough(t *testing.T) {
	var seen string
	d := Dispatcher{OnUnrecognized: func(e Event) { seen = e.Type }}
	d.Dispatch(Event{Type: "something-new"})
	require.Equal(t, "something-new", seen)
}
