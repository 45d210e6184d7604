// Copyright 2025 James Ross
//
// Package events is the Events Stream Reader (spec.md §4.8, C8): it
// consumes a queue's events stream and re-dispatches typed events to
// subscribers, tracking its position by stream ID so a restart resumes
// where it left off rather than replaying or skipping entries.
package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one flattened entry from a queue's events stream (spec.md §6
// "Events stream format").
type Event struct {
	ID              string
	Type            string // "waiting","active","completed","failed","progress","delayed","removed",
	                        // "duplicated","deadLettered","group:compensating","group:completed",
	                        // "group:failed","group:failed_compensation","circuit:open",
	                        // "circuit:half-open","circuit:closed"
	JobID           string
	ReturnValue     string
	FailedReason    string
	Delay           string
	DeadLetterQueue string
	GroupID         string
	GroupName       string
	Fields          map[string]string
}

func fromStreamMessage(msg redis.XMessage) Event {
	e := Event{ID: msg.ID, Fields: make(map[string]string, len(msg.Values))}
	for k, v := range msg.Values {
		s, _ := v.(string)
		e.Fields[k] = s
		switch k {
		case "event":
			e.Type = s
		case "jobId":
			e.JobID = s
		case "returnvalue":
			e.ReturnValue = s
		case "failedReason":
			e.FailedReason = s
		case "delay":
			e.Delay = s
		case "deadLetterQueue":
			e.DeadLetterQueue = s
		case "groupId":
			e.GroupID = s
		case "groupName":
			e.GroupName = s
		}
	}
	return e
}

// Reader consumes one queue's events stream from a resumable cursor.
type Reader struct {
	rdb    redis.Cmdable
	stream string
	cursor string
}

// NewReader starts a Reader at the tail of the stream (only events
// appended after this call are seen). Use NewReaderFrom to resume.
func NewReader(rdb redis.Cmdable, streamKey string) *Reader {
	return &Reader{rdb: rdb, stream: streamKey, cursor: "$"}
}

// NewReaderFrom resumes consumption after a previously observed stream ID.
func NewReaderFrom(rdb redis.Cmdable, streamKey, cursor string) *Reader {
	return &Reader{rdb: rdb, stream: streamKey, cursor: cursor}
}

// Cursor returns the last stream ID consumed, for persisting across
// restarts.
func (r *Reader) Cursor() string {
	return r.cursor
}

// Next blocks up to block for new entries and returns everything available,
// advancing the cursor. A zero block duration blocks indefinitely.
func (r *Reader) Next(ctx context.Context, block time.Duration) ([]Event, error) {
	res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, r.cursor},
		Block:   block,
		Count:   100,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, fromStreamMessage(msg))
			r.cursor = msg.ID
		}
	}
	return out, nil
}

// Dispatcher re-emits events to per-type callbacks, matching the ordering
// guarantee per job id documented in spec.md §4.8: waiting → active →
// (progress|delayed)* → (completed|failed|deadLettered). The reader itself
// does not enforce ordering — it is a property of how the state engine
// appends events — the dispatcher just routes them.
type Dispatcher struct {
	OnWaiting       func(Event)
	OnActive        func(Event)
	OnCompleted     func(Event)
	OnFailed        func(Event)
	OnDelayed       func(Event)
	OnProgress      func(Event)
	OnDeadLettered  func(Event)
	OnGroupEvent    func(Event) // group:compensating / group:completed / group:failed / group:failed_compensation
	OnCircuitEvent  func(Event) // circuit:open / circuit:half-open / circuit:closed
	OnUnrecognized  func(Event)
}

// Dispatch routes one event to its registered callback, doing nothing if
// no callback is registered for that type.
func (d Dispatcher) Dispatch(e Event) {
	switch e.Type {
	case "waiting":
		call(d.OnWaiting, e)
	case "active":
		call(d.OnActive, e)
	case "completed":
		call(d.OnCompleted, e)
	case "failed":
		call(d.OnFailed, e)
	case "delayed":
		call(d.OnDelayed, e)
	case "progress":
		call(d.OnProgress, e)
	case "deadLettered":
		call(d.OnDeadLettered, e)
	case "group:compensating", "group:completed", "group:failed", "group:failed_compensation":
		call(d.OnGroupEvent, e)
	case "circuit:open", "circuit:half-open", "circuit:closed":
		call(d.OnCircuitEvent, e)
	default:
		call(d.OnUnrecognized, e)
	}
}

func call(fn func(Event), e Event) {
	if fn != nil {
		fn(e)
	}
}
