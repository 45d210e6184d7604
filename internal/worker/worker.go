// Copyright 2025 James Ross
//
// Package worker is the Worker Runtime (spec.md §4.7, C7): a cooperative
// fetch/process/finalize loop with lock renewal, stall recovery, backoff and
// DLQ routing, circuit-breaker gating, and lifecycle logging, adapted from
// the teacher's internal/worker/worker.go loop shape (BRPOPLPUSH replaced by
// the moveToActive script; the fixed processing-list+heartbeat-key dance
// replaced by the lock key the state engine already manages).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sagaqueue/sagaqueue/internal/backoff"
	"github.com/sagaqueue/sagaqueue/internal/breaker"
	"github.com/sagaqueue/sagaqueue/internal/codec"
	"github.com/sagaqueue/sagaqueue/internal/group"
	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/obs"
	"github.com/sagaqueue/sagaqueue/internal/queue"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

// UnrecoverableError marks a processor failure that must never retry,
// routing straight to failed/DLQ regardless of remaining attempts
// (spec.md §4.7 "Backoff / retry").
type UnrecoverableError struct{ Err error }

func (e *UnrecoverableError) Error() string { return e.Err.Error() }
func (e *UnrecoverableError) Unwrap() error { return e.Err }

// UnrenewedLockError is raised when a lock-renewal tick finds the token no
// longer matches — another worker already reclaimed the job as stalled
// (spec.md §4.7 "Lock renewal").
type UnrenewedLockError struct{ JobID string }

func (e *UnrenewedLockError) Error() string {
	return fmt.Sprintf("worker: lock for job %s was not renewed", e.JobID)
}

// Processor executes one job's business logic, returning its opaque
// return-value payload or an error. Wrap the error in UnrecoverableError to
// skip retries entirely.
type Processor func(ctx context.Context, job queue.Job) (string, error)

// Config configures one Worker instance (spec.md §4.7, §6).
type Config struct {
	Prefix, QueueName string
	Cluster           bool

	Concurrency        int
	LockDuration       time.Duration
	FetchBlockTimeout  time.Duration // max time one moveToActive miss blocks on the marker
	DrainDelay         time.Duration // Close() waits this long for in-flight jobs
	StalledInterval    time.Duration
	MaxStalledCount    int64
	StalledScanLimit   int64
	MaxPromotePerFetch int64

	DefaultBackoff codec.BackoffSpec
	ErrorBackoffs  map[string]codec.BackoffSpec // matched against error.Error() substrings

	KeepOnComplete codec.KeepSpec
	KeepOnFail     codec.KeepSpec
	MaxStacktrace  int64

	DLQQueueName string // empty disables DLQ routing

	Breaker breaker.Config

	Logger    obs.LifecycleLogger
	LogEvents map[string]bool // nil: no allowlist filtering (spec.md §4.7)

	Rand *rand.Rand
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 30 * time.Second
	}
	if c.FetchBlockTimeout <= 0 {
		c.FetchBlockTimeout = 5 * time.Second
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = 30 * time.Second
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = 1
	}
	if c.StalledScanLimit <= 0 {
		c.StalledScanLimit = 1000
	}
	if c.MaxPromotePerFetch <= 0 {
		c.MaxPromotePerFetch = 1000
	}
	if c.MaxStacktrace <= 0 {
		c.MaxStacktrace = 10
	}
	if c.Logger == nil {
		c.Logger = obs.NopLifecycleLogger{}
	}
	if c.DefaultBackoff.Type == "" {
		c.DefaultBackoff = codec.NormalizeBackoff(1000)
	}
	return c
}

// Worker runs Config.Concurrency cooperative fetch tasks against one queue.
type Worker struct {
	cfg    Config
	rdb    redis.Cmdable
	eng    *scripts.Engine
	q      *queue.Queue
	groups *group.Coordinator
	layout keys.Layout
	proc   Processor

	cb *breaker.CircuitBreaker

	shutdown  chan struct{}
	closeOnce sync.Once
	inFlight  sync.WaitGroup
	loopsDone sync.WaitGroup
}

// New builds a Worker. groups may be nil when this queue never participates
// in saga groups — compensation dispatch is then skipped.
func New(rdb redis.Cmdable, eng *scripts.Engine, groups *group.Coordinator, proc Processor, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	q := queue.New(rdb, eng, cfg.Prefix, cfg.QueueName, cfg.Cluster)
	q.DLQName = cfg.DLQQueueName
	q.MaxStacktrace = cfg.MaxStacktrace

	w := &Worker{
		cfg:      cfg,
		rdb:      rdb,
		eng:      eng,
		q:        q,
		groups:   groups,
		layout:   keys.New(cfg.Prefix, cfg.QueueName, cfg.Cluster),
		proc:     proc,
		cb:       breaker.New(cfg.Breaker),
		shutdown: make(chan struct{}),
	}
	w.cb.OnTransition = w.onBreakerTransition
	return w
}

// Run starts Config.Concurrency fetch loops and the stalled-job reaper,
// blocking until ctx is canceled or Close is called.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.loopsDone.Add(1)
		go func(workerID string) {
			defer w.loopsDone.Done()
			w.fetchLoop(ctx, workerID)
		}(fmt.Sprintf("%s-%d", uuid.NewString(), i))
	}

	w.loopsDone.Add(1)
	go func() {
		defer w.loopsDone.Done()
		w.stalledLoop(ctx)
	}()

	w.loopsDone.Wait()
}

// Close requests shutdown and waits up to DrainDelay for in-flight jobs,
// returning promptly even while the circuit is OPEN (spec.md §4.7
// "Cancellation").
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.shutdown) })
	done := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainDelay):
	}
	w.cb.Close()
}

func (w *Worker) onBreakerTransition(t breaker.Transition) {
	event := map[breaker.State]string{breaker.Open: "circuit:open", breaker.HalfOpen: "circuit:half-open", breaker.Closed: "circuit:closed"}[t.To]
	if event == "" {
		return
	}
	data := map[string]interface{}{}
	if t.To == breaker.Open {
		data["failures"] = t.Failures
		data["threshold"] = t.Threshold
	}
	w.log(event, queue.Job{}, 0, data)
	_ = w.rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: w.layout.Key(keys.Events),
		Values: map[string]interface{}{"event": event},
	}).Err()
}

func (w *Worker) fetchLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-w.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !w.cb.Allow() {
			w.sleep(ctx, 50*time.Millisecond)
			continue
		}

		token := uuid.NewString()
		now := time.Now().UnixMilli()
		jobID, grantedToken, limiterTTL, err := w.eng.MoveToActive(ctx, scripts.MoveToActiveKeys{
			Base: w.layout.Base(), Wait: w.layout.Key(keys.Wait), Prioritized: w.layout.Key(keys.Prioritized),
			Delayed: w.layout.Key(keys.Delayed), Active: w.layout.Key(keys.Active), Meta: w.layout.Key(keys.Meta),
			Limiter: w.layout.Key(keys.Limiter), Events: w.layout.Key(keys.Events), Marker: w.layout.Key(keys.Marker),
			PriorityCounter: w.layout.Key(keys.PriorityCounter),
		}, now, w.cfg.LockDuration.Milliseconds(), token, w.cfg.MaxPromotePerFetch)
		if err != nil {
			w.sleep(ctx, 200*time.Millisecond)
			continue
		}

		if jobID == "" {
			wait := w.cfg.FetchBlockTimeout
			if limiterTTL > 0 && time.Duration(limiterTTL)*time.Millisecond < wait {
				wait = time.Duration(limiterTTL) * time.Millisecond
				w.log("rate-limited", queue.Job{}, 0, map[string]interface{}{"ttlMs": limiterTTL})
			}
			w.waitForMarker(ctx, wait)
			continue
		}

		w.inFlight.Add(1)
		w.processOne(ctx, workerID, jobID, grantedToken)
		w.inFlight.Done()
	}
}

// waitForMarker blocks via BZPOPMIN on the marker zset up to timeout, the
// blocking-pop wakeup spec.md §4.7 names ("may block via blocking-pop on
// marker up to drainDelay").
func (w *Worker) waitForMarker(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	_, err := w.rdb.BZPopMin(ctx, timeout, w.layout.Key(keys.Marker)).Result()
	_ = err // redis.Nil on timeout, or ctx cancellation — either way, loop re-checks
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.shutdown:
	case <-time.After(d):
	}
}

type processResult struct {
	value string
	err   error
}

func (w *Worker) processOne(ctx context.Context, workerID, jobID, token string) {
	start := time.Now()
	jobKey := w.layout.Job(jobID)

	h, err := w.rdb.HGetAll(ctx, jobKey).Result()
	if err != nil {
		return
	}
	job, err := queue.FromHash(jobID, h)
	if err != nil {
		return
	}

	w.log("active", job, 0, nil)

	lockKey := w.layout.Lock(jobID)
	renewCtx, cancelRenew := context.WithCancel(ctx)
	renewErr := make(chan error, 1)
	go w.renewLock(renewCtx, lockKey, token, jobID, renewErr)

	procCtx, cancelProc := context.WithCancel(ctx)
	resultCh := make(chan processResult, 1)
	go func() {
		value, err := w.proc(procCtx, job)
		resultCh <- processResult{value, err}
	}()

	var result processResult
	stalled := false
	select {
	case rerr := <-renewErr:
		stalled = true
		result = processResult{err: rerr}
		cancelProc()
		<-resultCh
	case result = <-resultCh:
	}
	cancelRenew()
	cancelProc()

	now := time.Now().UnixMilli()
	duration := time.Since(start)

	if stalled {
		// The lock is gone; moveStalledJobsToWait already owns this job's
		// fate. Breaker does not count this as a failure (spec.md §4.7).
		w.log("stalled", job, duration, nil)
		return
	}

	if result.err != nil {
		w.handleFailure(ctx, job, token, result.err, now, duration)
		return
	}
	w.handleSuccess(ctx, job, token, result.value, now, duration)
}

// renewLock refreshes lockKey at lockDuration/2 until renewCtx is canceled,
// sending an UnrenewedLockError if a renewal ever finds the token stale
// (spec.md §4.7 "Lock renewal").
func (w *Worker) renewLock(renewCtx context.Context, lockKey, token, jobID string, out chan<- error) {
	interval := w.cfg.LockDuration / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-renewCtx.Done():
			return
		case <-ticker.C:
			if err := w.eng.ExtendLock(renewCtx, lockKey, token, w.cfg.LockDuration.Milliseconds()); err != nil {
				select {
				case out <- &UnrenewedLockError{JobID: jobID}:
				default:
				}
				return
			}
		}
	}
}

func (w *Worker) handleSuccess(ctx context.Context, job queue.Job, token, value string, now int64, duration time.Duration) {
	outcome, err := w.eng.MoveToFinished(ctx, w.finishKeys(job, keys.Completed), scripts.MoveToFinishedArgs{
		JobID: job.ID, Token: token, Now: now, Target: "completed", ResultValue: value,
		KeepCount: keepCount(w.cfg.KeepOnComplete), KeepAge: keepAge(w.cfg.KeepOnComplete),
		GroupID: job.GroupID, FullJobKey: w.fullJobKey(job.ID), MaxStacktrace: w.cfg.MaxStacktrace,
	})
	if err != nil {
		w.log("failed", job, duration, map[string]interface{}{"reason": err.Error()})
		return
	}
	w.cb.RecordSuccess()
	w.log("completed", job, duration, map[string]interface{}{"returnvalue": value})
	w.afterFinish(ctx, job, outcome, now)
}

func (w *Worker) handleFailure(ctx context.Context, job queue.Job, token string, procErr error, now int64, duration time.Duration) {
	var unrecoverable *UnrecoverableError
	isUnrecoverable := errors.As(procErr, &unrecoverable)

	attemptsMade := job.AttemptsMade + 1
	maxAttempts := int64(job.Opts.Attempts)
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	canRetry := !isUnrecoverable && attemptsMade < maxAttempts

	reason := procErr.Error()

	if canRetry {
		spec := w.backoffSpecFor(job, procErr)
		delayMs, err := backoff.Compute(spec, int(attemptsMade), procErr, backoff.JobView{}, w.rnd(), nil)
		if err != nil {
			delayMs = w.cfg.DefaultBackoff.Delay
		}
		actualAttempts, err := w.eng.MoveToDelayed(ctx, scripts.MoveToDelayedKeys{
			Base: w.layout.Base(), Active: w.layout.Key(keys.Active), Delayed: w.layout.Key(keys.Delayed),
			Marker: w.layout.Key(keys.Marker), Events: w.layout.Key(keys.Events),
		}, job.ID, token, now, delayMs, false, reason, w.cfg.MaxStacktrace)
		if err != nil {
			w.log("failed", job, duration, map[string]interface{}{"reason": err.Error()})
			return
		}
		w.cb.RecordFailure()
		w.log("retrying", job, duration, map[string]interface{}{"attemptsMade": actualAttempts, "delayMs": delayMs})
		return
	}

	dlqConfigured := w.cfg.DLQQueueName != ""
	finishKeepCount := keepCount(w.cfg.KeepOnFail)
	if dlqConfigured {
		finishKeepCount = 0
	}
	outcome, err := w.eng.MoveToFinished(ctx, w.finishKeys(job, keys.Failed), scripts.MoveToFinishedArgs{
		JobID: job.ID, Token: token, Now: now, Target: "failed", ResultValue: reason, StacktraceEntry: reason,
		KeepCount: finishKeepCount, KeepAge: keepAge(w.cfg.KeepOnFail),
		GroupID: job.GroupID, FullJobKey: w.fullJobKey(job.ID), MaxStacktrace: w.cfg.MaxStacktrace,
	})
	w.cb.RecordFailure()
	w.log("failed", job, duration, map[string]interface{}{"reason": reason})
	if err != nil {
		return
	}
	w.afterFinish(ctx, job, outcome, now)

	if dlqConfigured {
		stacktrace, serr := w.rdb.LRange(ctx, w.layout.Job(job.ID)+":stacktrace", 0, -1).Result()
		if serr != nil {
			stacktrace = []string{reason}
		}
		job.AttemptsMade = outcome.AttemptsMade
		if _, derr := w.q.DeadLetter(ctx, job, reason, stacktrace, now); derr == nil {
			_ = w.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: w.layout.Key(keys.Events),
				Values: map[string]interface{}{"event": "deadLettered", "jobId": job.ID, "deadLetterQueue": w.cfg.DLQQueueName},
			}).Err()
		}
	}
}

// afterFinish dispatches compensation jobs when a finish outcome transitions
// a group to COMPENSATING (spec.md §4.9).
func (w *Worker) afterFinish(ctx context.Context, job queue.Job, outcome scripts.FinishOutcome, now int64) {
	if w.groups == nil || outcome.GroupTransition != "COMPENSATING" || len(outcome.CompensationJobs) == 0 {
		return
	}
	groupHashKey := w.layout.Group(job.GroupID)
	rawComp, err := w.rdb.HGet(ctx, groupHashKey, "compensation").Result()
	if err != nil && err != redis.Nil {
		return
	}
	var compMap map[string]interface{}
	if rawComp != "" {
		_ = json.Unmarshal([]byte(rawComp), &compMap)
	}
	_, _ = w.groups.DispatchCompensation(ctx, w.layout, job.GroupID, now, outcome.CompensationJobs, compMap, returnValueSource{w.rdb})
}

type returnValueSource struct{ rdb redis.Cmdable }

func (s returnValueSource) OriginalReturnValue(ctx context.Context, fullJobKey string) (interface{}, error) {
	v, err := s.rdb.HGet(ctx, fullJobKey, "returnvalue").Result()
	if err == redis.Nil {
		return nil, nil
	}
	return v, err
}

func (w *Worker) finishKeys(job queue.Job, target keys.Kind) scripts.MoveToFinishedKeys {
	groupHash, groupJobsHash := "", ""
	if job.GroupID != "" {
		groupHash = w.layout.Group(job.GroupID)
		groupJobsHash = w.layout.GroupJobs(job.GroupID)
	}
	return scripts.MoveToFinishedKeys{
		Base: w.layout.Base(), Active: w.layout.Key(keys.Active), TargetSet: w.layout.Key(target),
		Events: w.layout.Key(keys.Events), GroupHash: groupHash, GroupJobsHash: groupJobsHash,
	}
}

func (w *Worker) fullJobKey(jobID string) string {
	return keys.FullJobKey(w.cfg.Prefix, w.cfg.QueueName, jobID)
}

// backoffSpecFor honors an errorBackoffs override matched by substring
// against the error message, falling back to the job's own backoff option
// and finally the worker default (spec.md §4.7, §4.3).
func (w *Worker) backoffSpecFor(job queue.Job, procErr error) codec.BackoffSpec {
	msg := procErr.Error()
	for substr, spec := range w.cfg.ErrorBackoffs {
		if substr != "" && strings.Contains(msg, substr) {
			return spec
		}
	}
	if job.Opts.Backoff != nil {
		return *job.Opts.Backoff
	}
	return w.cfg.DefaultBackoff
}

func (w *Worker) rnd() *rand.Rand {
	if w.cfg.Rand != nil {
		return w.cfg.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func keepCount(k codec.KeepSpec) int64 {
	if k.Count != nil {
		return *k.Count
	}
	if k.Bool != nil && *k.Bool {
		return -1
	}
	return -1
}

func keepAge(k codec.KeepSpec) int64 {
	if k.Age != nil {
		return *k.Age
	}
	return -1
}

// log emits a lifecycle entry honoring the documented level table and the
// optional logEvents allowlist.
func (w *Worker) log(event string, job queue.Job, duration time.Duration, data map[string]interface{}) {
	if w.cfg.LogEvents != nil && !w.cfg.LogEvents[event] {
		return
	}
	w.cfg.Logger.Log(obs.LevelFor(event), obs.Entry{
		Timestamp: time.Now(), Event: event, Queue: w.cfg.QueueName, JobID: job.ID, JobName: job.Name,
		AttemptsMade: int(job.AttemptsMade), Duration: duration, Data: data,
	})
}

func (w *Worker) stalledLoop(ctx context.Context) {
	interval := w.cfg.StalledInterval
	jitter := time.Duration(w.rnd().Int63n(int64(interval) / 4))
	ticker := time.NewTicker(interval + jitter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.runStalledCheck(ctx)
		}
	}
}

func (w *Worker) runStalledCheck(ctx context.Context) {
	result, err := w.eng.MoveStalledJobsToWait(ctx, scripts.MoveStalledKeys{
		Base: w.layout.Base(), Active: w.layout.Key(keys.Active), Stalled: w.layout.Key(keys.Stalled),
		Wait: w.layout.Key(keys.Wait), Failed: w.layout.Key(keys.Failed), StalledCheck: w.layout.Key(keys.StalledCheck),
		Events: w.layout.Key(keys.Events),
	}, time.Now().UnixMilli(), w.cfg.MaxStalledCount, w.cfg.StalledInterval.Milliseconds()/2, w.cfg.StalledScanLimit)
	if err != nil || (result.Recovered == 0 && result.Failed == 0) {
		return
	}
	for i := int64(0); i < result.Recovered; i++ {
		w.log("stalled", queue.Job{}, 0, nil)
	}
}
