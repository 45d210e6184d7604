// Copyright 2025 James Ross
//
// Package queue is the client-side producer and inspection surface (spec.md
// §4.6, C6): every exported method wraps exactly one state-engine script (or
// a bounded, non-authoritative read) the way the teacher's higher-level
// packages wrap their own Redis primitives.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/sagaqueue/sagaqueue/internal/codec"
	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

// Queue is a named namespace of state sets addressing one logical work pool
// (spec.md GLOSSARY).
type Queue struct {
	rdb    redis.Cmdable
	eng    *scripts.Engine
	layout keys.Layout
	prefix string
	name   string

	// MaxStacktrace is stored for callers; no Queue method reads it. The
	// stacktrace ring is bounded by the value the worker passes to the scripts.
	MaxStacktrace int64

	// DLQName, if set, names this queue's dead letter queue (spec.md §6
	// Worker option deadLetterQueue.queueName). DLQ inspection methods
	// operate against a Queue built for this name (see dlq), whose keys are
	// hash-tagged on the DLQ name itself.
	DLQName string
	cluster bool
}

// New builds a Queue over an existing client and script engine. Cluster
// controls whether keys are hash-tagged (spec.md §4.1).
func New(rdb redis.Cmdable, eng *scripts.Engine, prefix, name string, cluster bool) *Queue {
	return &Queue{
		rdb:           rdb,
		eng:           eng,
		layout:        keys.New(prefix, name, cluster),
		prefix:        prefix,
		name:          name,
		MaxStacktrace: 10,
		cluster:       cluster,
	}
}

func (q *Queue) fullJobKey(jobID string) string {
	return keys.FullJobKey(q.prefix, q.name, jobID)
}

// AddOptions is the producer-facing request to Add/AddBulk.
type AddOptions struct {
	Name string
	Data string // already codec-encoded opaque payload
	Opts codec.Options
}

// Add inserts a single job and returns its id. A job carrying a
// DeduplicationID that is already claimed returns the existing id without
// inserting a new job (spec.md §4.5 addJob).
func (q *Queue) Add(ctx context.Context, name, data string, opts codec.Options, now int64) (string, error) {
	encodedOpts, err := codec.EncodeOptions(opts)
	if err != nil {
		return "", err
	}

	delay := opts.Delay
	lifo := opts.LIFO
	var parentID, parentQueue string
	var pendingChildren int64
	if opts.Parent != nil {
		parentID, parentQueue = opts.Parent.ID, opts.Parent.Queue
	}
	var groupID, groupName, groupQueue string
	if opts.Group != nil {
		groupID, groupName, groupQueue = opts.Group.ID, opts.Group.Name, opts.Group.Queue
	}
	maxAttempts := opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	k := scripts.AddJobKeys{
		Base:            q.layout.Base(),
		Wait:            q.layout.Key(keys.Wait),
		Paused:          q.layout.Key(keys.Paused),
		Delayed:         q.layout.Key(keys.Delayed),
		Prioritized:     q.layout.Key(keys.Prioritized),
		WaitingChildren: q.layout.Key(keys.WaitingChildren),
		Meta:            q.layout.Key(keys.Meta),
		IDCounter:       q.layout.Key(keys.ID),
		PriorityCounter: q.layout.Key(keys.PriorityCounter),
		Events:          q.layout.Key(keys.Events),
		Marker:          q.layout.Key(keys.Marker),
	}
	a := scripts.AddJobArgs{
		JobID:           opts.JobID,
		Name:            name,
		Data:            data,
		Opts:            string(encodedOpts),
		Timestamp:       now,
		Delay:           delay,
		Priority:        opts.Priority,
		LIFO:            lifo,
		DedupID:         opts.DeduplicationID,
		ParentID:        parentID,
		ParentQueue:     parentQueue,
		GroupID:         groupID,
		GroupName:       groupName,
		GroupQueue:      groupQueue,
		PendingChildren: pendingChildren,
		MaxAttempts:     int64(maxAttempts),
	}

	jobID, _, err := q.eng.AddJob(ctx, k, a)
	return jobID, err
}

// AddBulk inserts every item, stopping at the first error. Callers that need
// all-or-nothing semantics should pipeline these through a Lua script of
// their own; addJob's dedup check makes a shared atomic batch unnecessary
// for the common case of independent jobs.
func (q *Queue) AddBulk(ctx context.Context, items []AddOptions, now int64) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		id, err := q.Add(ctx, it.Name, it.Data, it.Opts, now)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Pause stops new jobs from being dispatched, moving everything currently in
// wait into paused.
func (q *Queue) Pause(ctx context.Context) error {
	return q.eng.PauseQueue(ctx, q.layout.Key(keys.Meta), q.layout.Key(keys.Wait), q.layout.Key(keys.Paused), "pause")
}

// Resume reverses Pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.eng.PauseQueue(ctx, q.layout.Key(keys.Meta), q.layout.Key(keys.Wait), q.layout.Key(keys.Paused), "resume")
}

// Drain empties the wait list, and the delayed set too if includeDelayed.
func (q *Queue) Drain(ctx context.Context, includeDelayed bool) (int64, error) {
	return q.eng.DrainQueue(ctx, q.layout.Key(keys.Wait), q.layout.Key(keys.Delayed), includeDelayed)
}

// Obliterate deletes the queue's meta hash and the state, counter, event
// and marker keys listed below. Job hashes, dedup keys, group hashes and
// repeat entries are not deleted. Refuses unless paused and idle, unless
// force is set (spec.md §4.5).
func (q *Queue) Obliterate(ctx context.Context, force bool) error {
	rest := []string{
		q.layout.Key(keys.Active), q.layout.Key(keys.Wait), q.layout.Key(keys.Paused),
		q.layout.Key(keys.Delayed), q.layout.Key(keys.Prioritized), q.layout.Key(keys.WaitingChildren),
		q.layout.Key(keys.Completed), q.layout.Key(keys.Failed), q.layout.Key(keys.Stalled),
		q.layout.Key(keys.StalledCheck), q.layout.Key(keys.Limiter), q.layout.Key(keys.ID),
		q.layout.Key(keys.PriorityCounter), q.layout.Key(keys.Events), q.layout.Key(keys.Marker),
	}
	return q.eng.ObliterateQueue(ctx, q.layout.Key(keys.Meta), rest, force)
}

// GetJob fetches a job's current hash. ok is false if the job does not
// exist (already removed, or never existed).
func (q *Queue) GetJob(ctx context.Context, id string) (Job, bool, error) {
	h, err := q.rdb.HGetAll(ctx, q.layout.Job(id)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(h) == 0 {
		return Job{}, false, nil
	}
	j, err := FromHash(id, h)
	return j, true, err
}

// stateKey maps a public state name to its backing Redis key.
func (q *Queue) stateKey(state keys.Kind) (string, bool) {
	switch state {
	case keys.Wait, keys.Paused, keys.Active, keys.Delayed, keys.Prioritized,
		keys.WaitingChildren, keys.Completed, keys.Failed, keys.Stalled:
		return q.layout.Key(state), true
	}
	return "", false
}

// GetJobs returns jobs from a list/zset/set state, within [start, stop]
// (inclusive, zero-indexed), hydrating each id into its full Job.
func (q *Queue) GetJobs(ctx context.Context, state keys.Kind, start, stop int64) ([]Job, error) {
	key, ok := q.stateKey(state)
	if !ok {
		return nil, fmt.Errorf("queue: unknown job state %q", state)
	}

	var ids []string
	var err error
	switch state {
	case keys.Wait, keys.Paused, keys.Active:
		ids, err = q.rdb.LRange(ctx, key, start, stop).Result()
	case keys.Delayed, keys.Prioritized, keys.Completed, keys.Failed:
		ids, err = q.rdb.ZRange(ctx, key, start, stop).Result()
	case keys.WaitingChildren, keys.Stalled:
		ids, err = q.rdb.SMembers(ctx, key).Result()
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, ok, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// GetCounts returns the cardinality of each requested state.
func (q *Queue) GetCounts(ctx context.Context, states []keys.Kind) (map[string]int64, error) {
	counts := make(map[string]int64, len(states))
	for _, state := range states {
		key, ok := q.stateKey(state)
		if !ok {
			continue
		}
		var n int64
		var err error
		switch state {
		case keys.Wait, keys.Paused, keys.Active:
			n, err = q.rdb.LLen(ctx, key).Result()
		case keys.Delayed, keys.Prioritized, keys.Completed, keys.Failed:
			n, err = q.rdb.ZCard(ctx, key).Result()
		case keys.WaitingChildren, keys.Stalled:
			n, err = q.rdb.SCard(ctx, key).Result()
		}
		if err != nil {
			return nil, err
		}
		counts[string(state)] = n
	}
	return counts, nil
}

// GetCountsPerPriority buckets the prioritized zset by each distinct
// priority value present.
func (q *Queue) GetCountsPerPriority(ctx context.Context) (map[int64]int64, error) {
	entries, err := q.rdb.ZRangeWithScores(ctx, q.layout.Key(keys.Prioritized), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64)
	for _, e := range entries {
		// Score encodes priority*1e13 + counter; recover priority by
		// truncating the low-order counter digits the scripts packed in.
		priority := int64(e.Score) / 1e13
		out[priority]++
	}
	return out, nil
}

// ChangeDelay reschedules a delayed job's fire time.
func (q *Queue) ChangeDelay(ctx context.Context, jobID string, fireAt int64) error {
	return q.eng.ChangeDelay(ctx, q.layout.Key(keys.Delayed), jobID, fireAt)
}

// ChangePriority reprioritizes a job currently in prioritized or wait.
// legacyScan requests the pre-LPOS compatibility path (spec.md §6).
func (q *Queue) ChangePriority(ctx context.Context, jobID string, newPriority int64, legacyScan bool) error {
	return q.eng.ChangePriority(ctx, q.layout.Base(), q.layout.Key(keys.Prioritized), q.layout.Key(keys.Wait), q.layout.Key(keys.PriorityCounter), jobID, newPriority, legacyScan)
}

// RetryJobs moves every given failed job id back to wait.
func (q *Queue) RetryJobs(ctx context.Context, jobIDs []string, now int64) error {
	for _, id := range jobIDs {
		if err := q.eng.RetryJob(ctx, q.layout.Key(keys.Failed), q.layout.Key(keys.Wait), q.layout.Key(keys.Events), q.layout.Key(keys.Marker), id, now); err != nil {
			return err
		}
	}
	return nil
}

// PromoteJobs moves every given delayed job id to be runnable immediately.
func (q *Queue) PromoteJobs(ctx context.Context, jobIDs []string, now int64) error {
	for _, id := range jobIDs {
		if err := q.eng.PromoteJob(ctx, q.layout.Base(), q.layout.Key(keys.Delayed), q.layout.Key(keys.Wait), q.layout.Key(keys.Prioritized), q.layout.Key(keys.PriorityCounter), q.layout.Key(keys.Events), q.layout.Key(keys.Marker), id, now); err != nil {
			return err
		}
	}
	return nil
}

// Clean drops completed/failed jobs older than graceMs from the given set,
// bounded by limit per call.
func (q *Queue) Clean(ctx context.Context, set keys.Kind, now, graceMs, limit int64) (int64, error) {
	key, ok := q.stateKey(set)
	if !ok || (set != keys.Completed && set != keys.Failed) {
		return 0, fmt.Errorf("queue: clean only supports completed/failed, got %q", set)
	}
	return q.eng.CleanJobsInSet(ctx, key, q.layout.Base(), now, graceMs, limit)
}

// RemoveJob deletes a job from wherever it currently lives.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) error {
	return q.eng.RemoveJob(ctx, scripts.RemoveJobKeys{
		Base:            q.layout.Base(),
		Wait:            q.layout.Key(keys.Wait),
		Paused:          q.layout.Key(keys.Paused),
		Delayed:         q.layout.Key(keys.Delayed),
		Prioritized:     q.layout.Key(keys.Prioritized),
		WaitingChildren: q.layout.Key(keys.WaitingChildren),
		Active:          q.layout.Key(keys.Active),
		Completed:       q.layout.Key(keys.Completed),
		Failed:          q.layout.Key(keys.Failed),
	}, jobID)
}

// Paginate browses a hash or set key with bounded Redis iterations (≤5 SCAN
// round trips per call, per spec.md §4.6), returning a cursor for the next
// page. A cursor of 0 means iteration is complete. For a hash the result
// alternates field and value; for a set it holds members.
func (q *Queue) Paginate(ctx context.Context, key string, cursor uint64, count int64) (fields []string, nextCursor uint64, err error) {
	const maxIterations = 5
	typ, err := q.rdb.Type(ctx, key).Result()
	if err != nil {
		return nil, 0, err
	}
	for i := 0; i < maxIterations; i++ {
		var batch []string
		if typ == "set" {
			batch, cursor, err = q.rdb.SScan(ctx, key, cursor, "", count).Result()
		} else {
			batch, cursor, err = q.rdb.HScan(ctx, key, cursor, "", count).Result()
		}
		if err != nil {
			return nil, 0, err
		}
		fields = append(fields, batch...)
		if cursor == 0 {
			break
		}
	}
	return fields, cursor, nil
}

// GroupState is the decoded view of a group hash (spec.md §3 Group).
type GroupState struct {
	ID                      string
	Name                    string
	State                   string
	CreatedAt, UpdatedAt    int64
	TotalJobs               int64
	CompletedCount          int64
	FailedCount             int64
	CancelledCount          int64
	Compensation            string
	TotalCompensationJobs   int64
	CompensationDoneCount   int64
	CompensationFailedCount int64
}

// GetGroupState reads a group's bookkeeping hash (spec.md §4.6 passthrough).
func (q *Queue) GetGroupState(ctx context.Context, groupID string) (GroupState, bool, error) {
	h, err := q.rdb.HGetAll(ctx, q.layout.Group(groupID)).Result()
	if err != nil {
		return GroupState{}, false, err
	}
	if len(h) == 0 {
		return GroupState{}, false, nil
	}
	return GroupState{
		ID:                      h["id"],
		Name:                    h["name"],
		State:                   h["state"],
		CreatedAt:               parseInt(h["createdAt"]),
		UpdatedAt:               parseInt(h["updatedAt"]),
		TotalJobs:               parseInt(h["totalJobs"]),
		CompletedCount:          parseInt(h["completedCount"]),
		FailedCount:             parseInt(h["failedCount"]),
		CancelledCount:          parseInt(h["cancelledCount"]),
		Compensation:            h["compensation"],
		TotalCompensationJobs:   parseInt(h["totalCompensationJobs"]),
		CompensationDoneCount:   parseInt(h["compensationDoneCount"]),
		CompensationFailedCount: parseInt(h["compensationFailedCount"]),
	}, true, nil
}

// GetGroupJobs returns the fullJobKey → status map for a group.
func (q *Queue) GetGroupJobs(ctx context.Context, groupID string) (map[string]string, error) {
	return q.rdb.HGetAll(ctx, q.layout.GroupJobs(groupID)).Result()
}

// CancelGroup cancels every pending member of a group. When a sibling has
// already completed it marks the group COMPENSATING and returns the completed
// members; it does not enqueue compensation jobs itself.
func (q *Queue) CancelGroup(ctx context.Context, groupID string, now int64) (scripts.CancelGroupResult, error) {
	return q.eng.CancelGroupJobs(ctx, scripts.CancelGroupKeys{
		GroupHash:     q.layout.Group(groupID),
		GroupJobsHash: q.layout.GroupJobs(groupID),
		Wait:          q.layout.Key(keys.Wait),
		Paused:        q.layout.Key(keys.Paused),
		Delayed:       q.layout.Key(keys.Delayed),
		Prioritized:   q.layout.Key(keys.Prioritized),
	}, groupID, now)
}

// DLQFilter narrows dead-letter inspection/replay operations (spec.md §4.6).
type DLQFilter struct {
	Name         string
	FailedReason string
}

func (f DLQFilter) matches(j Job) bool {
	if f.Name != "" && j.Name != f.Name {
		return false
	}
	if f.FailedReason != "" && !strings.Contains(strings.ToLower(j.FailedReason), strings.ToLower(f.FailedReason)) {
		return false
	}
	return true
}

// dlq returns the Queue addressing this queue's dead letter queue, which is
// itself an ordinary Queue (spec.md §3 "Dead letter"). Cluster mode hash-tags
// the whole DLQ name on its own, so DLQ keys do not share the source queue's
// hash slot, whatever the DLQ is named.
func (q *Queue) dlq() *Queue {
	return New(q.rdb, q.eng, q.prefix, q.DLQName, q.cluster)
}

// GetDeadLetterCount returns how many jobs are waiting in the DLQ.
func (q *Queue) GetDeadLetterCount(ctx context.Context) (int64, error) {
	counts, err := q.dlq().GetCounts(ctx, []keys.Kind{keys.Wait})
	if err != nil {
		return 0, err
	}
	return counts[string(keys.Wait)], nil
}

// GetDeadLetterJobs returns a bounded range of DLQ jobs.
func (q *Queue) GetDeadLetterJobs(ctx context.Context, start, stop int64) ([]Job, error) {
	return q.dlq().GetJobs(ctx, keys.Wait, start, stop)
}

// PeekDeadLetter fetches one DLQ job without removing it.
func (q *Queue) PeekDeadLetter(ctx context.Context, id string) (Job, bool, error) {
	return q.dlq().GetJob(ctx, id)
}

// ReplayDeadLetter re-adds a DLQ job's original data (with `_dlqMeta`
// stripped) onto its source queue with attemptsMade reset to 0 — implicit,
// since Add always starts a fresh job — then removes it from the DLQ
// (spec.md §8 "replayDeadLetter(id) yields a new job whose data equals the
// original minus _dlqMeta, with attemptsMade=0").
func (q *Queue) ReplayDeadLetter(ctx context.Context, id string, now int64) (string, error) {
	job, ok, err := q.dlq().GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("queue: dead letter job %s not found", id)
	}
	newID, err := q.Add(ctx, job.Name, stripDLQMeta(job.Data), job.Opts, now)
	if err != nil {
		return "", err
	}
	if err := q.dlq().RemoveJob(ctx, id); err != nil {
		return "", err
	}
	return newID, nil
}

// DeadLetter enqueues a new job on this queue's DLQ carrying job's original
// data enriched with a `_dlqMeta` sub-object (spec.md §3 "Dead letter"),
// called by the worker runtime once a job exhausts retries or fails with an
// UnrecoverableError. Returns the new DLQ job's id.
func (q *Queue) DeadLetter(ctx context.Context, job Job, failedReason string, stacktrace []string, now int64) (string, error) {
	originalOpts, err := codec.EncodeOptions(job.Opts)
	if err != nil {
		return "", err
	}
	meta := DLQMeta{
		SourceQueue:       q.name,
		OriginalJobID:     job.ID,
		FailedReason:      failedReason,
		Stacktrace:        stacktrace,
		AttemptsMade:      job.AttemptsMade,
		DeadLetteredAt:    now,
		OriginalTimestamp: job.Timestamp,
		OriginalOpts:      string(originalOpts),
	}
	data, err := embedDLQMeta(job.Data, meta)
	if err != nil {
		return "", err
	}
	return q.dlq().Add(ctx, job.Name, data, codec.Options{}, now)
}

// embedDLQMeta adds a `_dlqMeta` key to data's top-level JSON object,
// falling back to wrapping non-object payloads under `_raw` so the original
// value still round-trips through stripDLQMeta.
func embedDLQMeta(data string, meta DLQMeta) (string, error) {
	obj := map[string]interface{}{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			obj = map[string]interface{}{"_raw": data}
		}
	}
	obj["_dlqMeta"] = meta
	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// stripDLQMeta removes `_dlqMeta`, unwrapping a `_raw`-wrapped non-object
// payload back to its original form. Data that isn't a JSON object (e.g.
// predates this wrapping) is returned unchanged.
func stripDLQMeta(data string) string {
	obj := map[string]interface{}{}
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return data
	}
	delete(obj, "_dlqMeta")
	if raw, ok := obj["_raw"]; ok && len(obj) == 1 {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return string(b)
}

// ReplayAllDeadLetters replays every DLQ job matching filter, returning how
// many were replayed. It is total: it keeps scanning until no matching job
// remains (spec.md §8).
func (q *Queue) ReplayAllDeadLetters(ctx context.Context, filter DLQFilter, now int64) (int64, error) {
	var replayed int64
	for {
		jobs, err := q.GetDeadLetterJobs(ctx, 0, 999)
		if err != nil {
			return replayed, err
		}
		progressed := false
		for _, j := range jobs {
			if !filter.matches(j) {
				continue
			}
			if _, err := q.ReplayDeadLetter(ctx, j.ID, now); err != nil {
				return replayed, err
			}
			replayed++
			progressed = true
		}
		if !progressed {
			return replayed, nil
		}
	}
}

// PurgeDeadLetters removes every DLQ job matching filter without replaying
// it, returning how many were purged.
func (q *Queue) PurgeDeadLetters(ctx context.Context, filter DLQFilter) (int64, error) {
	var purged int64
	for {
		jobs, err := q.dlq().GetJobs(ctx, keys.Wait, 0, 999)
		if err != nil {
			return purged, err
		}
		progressed := false
		for _, j := range jobs {
			if !filter.matches(j) {
				continue
			}
			if err := q.dlq().RemoveJob(ctx, j.ID); err != nil {
				return purged, err
			}
			purged++
			progressed = true
		}
		if !progressed {
			return purged, nil
		}
	}
}
