// Copyright 2025 James Ross
//
// Package repeat is the repeatable-job scheduler (opts.repeat, the "repeat"
// scheduler hash, repeatJobKey) supplementing the job model with cron- and
// interval-driven recurring jobs, built in the thin-wrapper-over-a-script
// idiom internal/flow and internal/queue already use for composing addJob
// calls.
package repeat

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/sagaqueue/sagaqueue/internal/codec"
	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

// entry is the JSON value stored in a queue's "repeat" hash, field-keyed by
// repeatJobKey.
type entry struct {
	Name   string           `json:"name"`
	Data   string           `json:"data"`
	Opts   codec.Options    `json:"opts"`
	Repeat codec.RepeatOpts `json:"repeat"`
	Next   int64            `json:"next"`
	Count  int64            `json:"count"`
}

// Scheduler materializes due occurrences of every repeatable job template
// registered across the queues it watches.
//
// It needs no distributed lock: every scheduler instance derives the same
// (repeatJobKey, next) pair from the cron expression, and stamps that pair
// as the occurrence's deduplicationId before calling addJob — so racing
// instances collapse into the one call that wins the existing "de:<dedupId>"
// marker (spec.md §3) rather than a separate claim mechanism.
type Scheduler struct {
	rdb     redis.Cmdable
	eng     *scripts.Engine
	prefix  string
	cluster bool
}

func New(rdb redis.Cmdable, eng *scripts.Engine, prefix string, cluster bool) *Scheduler {
	return &Scheduler{rdb: rdb, eng: eng, prefix: prefix, cluster: cluster}
}

// RepeatJobKey derives the deterministic key a repeatable job template is
// addressed by, so calling Upsert twice with the same name and repeat
// options updates rather than duplicates the template.
func RepeatJobKey(queueName, name string, opts codec.RepeatOpts) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%d", queueName, name, opts.Pattern, opts.Every, opts.TZ, opts.EndDate)
	return hex.EncodeToString(h.Sum(nil))
}

// Upsert registers or replaces a repeatable job template and computes its
// first fire time.
func (s *Scheduler) Upsert(ctx context.Context, queueName, name, data string, opts codec.Options, repeatOpts codec.RepeatOpts, now int64) (string, error) {
	key := RepeatJobKey(queueName, name, repeatOpts)
	next, err := nextFire(repeatOpts, now)
	if err != nil {
		return "", err
	}
	if repeatOpts.Immediately {
		next = now
	}
	opts.RepeatJobKey = key
	opts.Repeat = &repeatOpts
	e := entry{Name: name, Data: data, Opts: opts, Repeat: repeatOpts, Next: next}
	raw, err := codec.EncodeArgs(e)
	if err != nil {
		return "", err
	}
	layout := keys.New(s.prefix, queueName, s.cluster)
	if err := s.rdb.HSet(ctx, layout.Key(keys.Repeat), key, raw).Err(); err != nil {
		return "", err
	}
	return key, nil
}

// Remove deletes a repeatable job template; future ticks stop producing
// occurrences for it.
func (s *Scheduler) Remove(ctx context.Context, queueName, repeatJobKey string) error {
	layout := keys.New(s.prefix, queueName, s.cluster)
	return s.rdb.HDel(ctx, layout.Key(keys.Repeat), repeatJobKey).Err()
}

// TickQueue materializes every due occurrence in one queue's repeat hash as
// of now, advancing each template to its next fire time and retiring
// templates that hit their limit or end date.
func (s *Scheduler) TickQueue(ctx context.Context, queueName string, now int64) error {
	layout := keys.New(s.prefix, queueName, s.cluster)
	repeatKey := layout.Key(keys.Repeat)
	raw, err := s.rdb.HGetAll(ctx, repeatKey).Result()
	if err != nil {
		return err
	}

	for key, data := range raw {
		var e entry
		if err := codec.DecodeArgs([]byte(data), &e); err != nil {
			continue
		}
		if e.Next > now {
			continue
		}
		if e.Repeat.EndDate > 0 && now > e.Repeat.EndDate {
			_ = s.rdb.HDel(ctx, repeatKey, key).Err()
			continue
		}
		if e.Repeat.Limit > 0 && e.Count >= e.Repeat.Limit {
			_ = s.rdb.HDel(ctx, repeatKey, key).Err()
			continue
		}

		if err := s.addOccurrence(ctx, layout, key, e); err != nil {
			continue
		}

		next, err := nextFire(e.Repeat, e.Next)
		if err != nil {
			_ = s.rdb.HDel(ctx, repeatKey, key).Err()
			continue
		}
		e.Next = next
		e.Count++
		updated, err := codec.EncodeArgs(e)
		if err != nil {
			continue
		}
		_ = s.rdb.HSet(ctx, repeatKey, key, updated).Err()
	}
	return nil
}

func (s *Scheduler) addOccurrence(ctx context.Context, layout keys.Layout, repeatJobKey string, e entry) error {
	opts := e.Opts
	opts.JobID = ""
	opts.DeduplicationID = fmt.Sprintf("%s:%d", repeatJobKey, e.Next)
	encodedOpts, err := codec.EncodeOptions(opts)
	if err != nil {
		return err
	}
	maxAttempts := int64(opts.Attempts)
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	_, _, err = s.eng.AddJob(ctx, scripts.AddJobKeys{
		Base: layout.Base(), Wait: layout.Key(keys.Wait), Paused: layout.Key(keys.Paused),
		Delayed: layout.Key(keys.Delayed), Prioritized: layout.Key(keys.Prioritized),
		WaitingChildren: layout.Key(keys.WaitingChildren), Meta: layout.Key(keys.Meta),
		IDCounter: layout.Key(keys.ID), PriorityCounter: layout.Key(keys.PriorityCounter),
		Events: layout.Key(keys.Events), Marker: layout.Key(keys.Marker),
	}, scripts.AddJobArgs{
		Name: e.Name, Data: e.Data, Opts: string(encodedOpts), Timestamp: e.Next,
		Priority: opts.Priority, LIFO: opts.LIFO, DedupID: opts.DeduplicationID,
		MaxAttempts: maxAttempts,
	})
	return err
}

// Run ticks TickQueue for every named queue on interval until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context, queueNames []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for _, q := range queueNames {
				_ = s.TickQueue(ctx, q, now)
			}
		}
	}
}

// nextFire computes the next occurrence after from, using a plain interval
// when Every is set or parsing Pattern as a standard five-field cron
// expression otherwise.
func nextFire(opts codec.RepeatOpts, from int64) (int64, error) {
	if opts.Every > 0 {
		return from + opts.Every, nil
	}
	if opts.Pattern == "" {
		return 0, fmt.Errorf("repeat: opts.repeat requires a pattern or an every interval")
	}
	sched, err := cron.ParseStandard(opts.Pattern)
	if err != nil {
		return 0, fmt.Errorf("repeat: invalid cron pattern %q: %w", opts.Pattern, err)
	}
	loc := time.UTC
	if opts.TZ != "" {
		if l, err := time.LoadLocation(opts.TZ); err == nil {
			loc = l
		}
	}
	t := time.UnixMilli(from).In(loc)
	return sched.Next(t).UnixMilli(), nil
}
