// Copyright 2025 James Ross
package scripts

import (
	"context"

	"github.com/redis/go-redis/v9"
)

var luaAddJob = namedScript{name: "addJob", src: `
local wait = KEYS[1]
local paused = KEYS[2]
local delayed = KEYS[3]
local prioritized = KEYS[4]
local waitingChildren = KEYS[5]
local meta = KEYS[6]
local idCounter = KEYS[7]
local pcCounter = KEYS[8]
local events = KEYS[9]
local marker = KEYS[10]

local base = ARGV[1]
local jobId = ARGV[2]
local name = ARGV[3]
local data = ARGV[4]
local opts = ARGV[5]
local timestamp = tonumber(ARGV[6])
local delay = tonumber(ARGV[7])
local priority = tonumber(ARGV[8])
local lifo = ARGV[9]
local dedupId = ARGV[10]
local parentId = ARGV[11]
local parentQueue = ARGV[12]
local groupId = ARGV[13]
local groupName = ARGV[14]
local groupQueue = ARGV[15]
local pendingChildren = tonumber(ARGV[16])
local maxAttempts = ARGV[17]

if dedupId ~= '' then
  local dedupKey = base .. ':de:' .. dedupId
  local existing = redis.call('GET', dedupKey)
  if existing then
    return {existing, 0}
  end
end

if jobId == '' then
  jobId = tostring(redis.call('INCR', idCounter))
end

local jobKey = base .. ':' .. jobId

redis.call('HSET', jobKey,
  'id', jobId, 'name', name, 'data', data, 'opts', opts,
  'timestamp', timestamp, 'delay', delay, 'priority', priority,
  'lifo', lifo, 'attemptsMade', 0, 'attemptsStarted', 0, 'maxAttempts', maxAttempts,
  'pendingChildren', pendingChildren, 'failedChildren', 0)

if parentId ~= '' then
  redis.call('HSET', jobKey, 'parentId', parentId, 'parentQueue', parentQueue)
end
if groupId ~= '' then
  redis.call('HSET', jobKey, 'groupId', groupId, 'groupName', groupName, 'groupQueue', groupQueue)
end
if dedupId ~= '' then
  redis.call('HSET', jobKey, 'deduplicationId', dedupId)
  redis.call('SET', base .. ':de:' .. dedupId, jobId)
end

if pendingChildren > 0 then
  redis.call('SADD', waitingChildren, jobId)
elseif delay > 0 then
  redis.call('ZADD', delayed, timestamp + delay, jobId)
elseif priority > 0 then
  local counter = redis.call('INCR', pcCounter)
  redis.call('ZADD', prioritized, priority * 1e13 + counter, jobId)
else
  local isPaused = redis.call('HGET', meta, 'paused')
  local target = wait
  if isPaused == '1' then target = paused end
  if lifo == '1' then
    redis.call('RPUSH', target, jobId)
  else
    redis.call('LPUSH', target, jobId)
  end
end

redis.call('XADD', events, '*', 'event', 'waiting', 'jobId', jobId)
redis.call('ZADD', marker, timestamp, jobId)

return {jobId, 1}
`}

var luaMoveToActive = namedScript{name: "moveToActive", src: `
local wait = KEYS[1]
local prioritized = KEYS[2]
local delayed = KEYS[3]
local active = KEYS[4]
local meta = KEYS[5]
local limiter = KEYS[6]
local events = KEYS[7]
local marker = KEYS[8]
local pcCounter = KEYS[9]

local base = ARGV[1]
local now = tonumber(ARGV[2])
local lockDuration = tonumber(ARGV[3])
local token = ARGV[4]
local maxPromote = tonumber(ARGV[5])

if redis.call('HGET', meta, 'paused') == '1' then
  return {'', '', 0}
end

local ready = redis.call('ZRANGEBYSCORE', delayed, '-inf', now, 'LIMIT', 0, maxPromote)
for _, jid in ipairs(ready) do
  redis.call('ZREM', delayed, jid)
  local jkey = base .. ':' .. jid
  local prio = tonumber(redis.call('HGET', jkey, 'priority')) or 0
  if prio > 0 then
    local counter = redis.call('INCR', pcCounter)
    redis.call('ZADD', prioritized, prio * 1e13 + counter, jid)
  else
    redis.call('RPUSH', wait, jid)
  end
  redis.call('ZADD', marker, now, jid)
end

local ttl = redis.call('PTTL', limiter)
if ttl and ttl > 0 then
  return {'', '', ttl}
end

local jobId = nil
local popped = redis.call('ZPOPMIN', prioritized, 1)
if popped[1] then
  jobId = popped[1]
else
  jobId = redis.call('RPOP', wait)
end

if not jobId then
  return {'', '', 0}
end

local jobKey = base .. ':' .. jobId
redis.call('HINCRBY', jobKey, 'attemptsStarted', 1)
redis.call('HSET', jobKey, 'processedOn', now)
redis.call('SET', jobKey .. ':lock', token, 'PX', lockDuration)
redis.call('RPUSH', active, jobId)
redis.call('XADD', events, '*', 'event', 'active', 'jobId', jobId)

return {jobId, token, 0}
`}

// moveToFinished carries the group-on-finish hook inline (duplicated from
// the standalone group truth table) because Redis does not share Lua state
// across independently-invoked EVALs: this is the only way the job
// finalization and its group bookkeeping commit as one atomic step.
var luaMoveToFinished = namedScript{name: "moveToFinished", src: `
local active = KEYS[1]
local targetSet = KEYS[2]
local events = KEYS[3]
local groupHash = KEYS[4]
local groupJobsHash = KEYS[5]

local base = ARGV[1]
local jobId = ARGV[2]
local token = ARGV[3]
local now = tonumber(ARGV[4])
local target = ARGV[5]
local resultValue = ARGV[6]
local stacktraceEntry = ARGV[7]
local keepCount = tonumber(ARGV[8])
local keepAge = tonumber(ARGV[9])
local groupId = ARGV[10]
local fullJobKey = ARGV[11]
local maxStacktrace = tonumber(ARGV[12])

local jobKey = base .. ':' .. jobId
local lockKey = jobKey .. ':lock'

local heldToken = redis.call('GET', lockKey)
if not heldToken then
  return {-2, '', {}, 0}
end
if heldToken ~= token then
  return {-6, '', {}, 0}
end

redis.call('LREM', active, 1, jobId)
redis.call('DEL', lockKey)
redis.call('ZADD', targetSet, now, jobId)
redis.call('HSET', jobKey, 'finishedOn', now)
local attemptsMade = redis.call('HINCRBY', jobKey, 'attemptsMade', 1)

if target == 'completed' then
  redis.call('HSET', jobKey, 'returnvalue', resultValue)
  redis.call('XADD', events, '*', 'event', 'completed', 'jobId', jobId, 'returnvalue', resultValue)
else
  redis.call('HSET', jobKey, 'failedReason', resultValue)
  if stacktraceEntry ~= '' then
    local stKey = jobKey .. ':stacktrace'
    redis.call('RPUSH', stKey, stacktraceEntry)
    redis.call('LTRIM', stKey, -maxStacktrace, -1)
  end
  redis.call('XADD', events, '*', 'event', 'failed', 'jobId', jobId, 'failedReason', resultValue)
end

if keepCount >= 0 then
  redis.call('ZREMRANGEBYRANK', targetSet, 0, -(keepCount + 1))
end
if keepAge >= 0 then
  redis.call('ZREMRANGEBYSCORE', targetSet, '-inf', now - keepAge)
end

local compensationJobs = {}
local groupTransition = ''

if groupId ~= '' then
  redis.call('HSET', groupJobsHash, fullJobKey, target)
  redis.call('HSET', groupHash, 'updatedAt', now)

  local state = redis.call('HGET', groupHash, 'state')
  local totalJobs = tonumber(redis.call('HGET', groupHash, 'totalJobs')) or 0

  if target == 'completed' then
    local completedCount = redis.call('HINCRBY', groupHash, 'completedCount', 1)
    if state == 'ACTIVE' then
      local failedCount = tonumber(redis.call('HGET', groupHash, 'failedCount')) or 0
      if completedCount + failedCount >= totalJobs and failedCount == 0 then
        redis.call('HSET', groupHash, 'state', 'COMPLETED')
        redis.call('XADD', events, '*', 'event', 'group:completed', 'groupId', groupId)
        groupTransition = 'COMPLETED'
      end
    end
  else
    redis.call('HINCRBY', groupHash, 'failedCount', 1)
    if state == 'ACTIVE' then
      local completedCount = tonumber(redis.call('HGET', groupHash, 'completedCount')) or 0
      if completedCount == 0 then
        redis.call('HSET', groupHash, 'state', 'FAILED')
        redis.call('XADD', events, '*', 'event', 'group:failed', 'groupId', groupId)
        groupTransition = 'FAILED'
      else
        redis.call('HSET', groupHash, 'state', 'COMPENSATING')
        redis.call('XADD', events, '*', 'event', 'group:compensating', 'groupId', groupId)
        groupTransition = 'COMPENSATING'
        local all = redis.call('HGETALL', groupJobsHash)
        for i = 1, #all, 2 do
          if all[i + 1] == 'completed' then
            table.insert(compensationJobs, all[i])
          end
        end
      end
    end
  end
end

return {0, groupTransition, compensationJobs, attemptsMade}
`}

var luaMoveToDelayed = namedScript{name: "moveToDelayed", src: `
local active = KEYS[1]
local delayed = KEYS[2]
local marker = KEYS[3]
local events = KEYS[4]

local base = ARGV[1]
local jobId = ARGV[2]
local token = ARGV[3]
local now = tonumber(ARGV[4])
local delay = tonumber(ARGV[5])
local skipAttempt = ARGV[6]
local stacktraceEntry = ARGV[7]
local maxStacktrace = tonumber(ARGV[8])

local jobKey = base .. ':' .. jobId
local lockKey = jobKey .. ':lock'
local heldToken = redis.call('GET', lockKey)
if not heldToken then return {-2, 0} end
if heldToken ~= token then return {-6, 0} end

redis.call('LREM', active, 1, jobId)
redis.call('DEL', lockKey)
local attemptsMade = tonumber(redis.call('HGET', jobKey, 'attemptsMade')) or 0
if skipAttempt ~= '1' then
  attemptsMade = redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
  if stacktraceEntry ~= '' then
    local stKey = jobKey .. ':stacktrace'
    redis.call('RPUSH', stKey, stacktraceEntry)
    redis.call('LTRIM', stKey, -maxStacktrace, -1)
  end
end
local fireAt = now + delay
redis.call('ZADD', delayed, fireAt, jobId)
redis.call('ZADD', marker, fireAt, jobId)
redis.call('XADD', events, '*', 'event', 'delayed', 'jobId', jobId, 'delay', delay)
return {0, attemptsMade}
`}

var luaMoveToWaitingChildren = namedScript{name: "moveToWaitingChildren", src: `
local active = KEYS[1]
local waitingChildren = KEYS[2]
local base = ARGV[1]
local jobId = ARGV[2]
local token = ARGV[3]
local jobKey = base .. ':' .. jobId
local lockKey = jobKey .. ':lock'
local heldToken = redis.call('GET', lockKey)
if not heldToken then return -2 end
if heldToken ~= token then return -6 end
redis.call('LREM', active, 1, jobId)
redis.call('DEL', lockKey)
redis.call('SADD', waitingChildren, jobId)
return 0
`}

// removeChildDependency is invoked against the parent's queue after a child
// job finishes; it applies the failParentOnFailure / ignoreDependencyOnFailure
// policy flags (spec.md §4.6 dependency resolution). A failed child with
// failParentOnFailure fails the parent at once (returns 1). Otherwise, once
// every child has reported, the parent moves to wait (returns 0) unless
// failed children were counted, in which case it stays in waiting-children
// (returns 2). While children are pending it returns 3.
var luaRemoveChildDependency = namedScript{name: "removeChildDependency", src: `
local waitingChildren = KEYS[1]
local wait = KEYS[2]
local marker = KEYS[3]
local events = KEYS[4]
local failedSet = KEYS[5]

local base = ARGV[1]
local parentId = ARGV[2]
local childStatus = ARGV[3]
local failParentOnFailure = ARGV[4]
local ignoreDependencyOnFailure = ARGV[5]
local now = tonumber(ARGV[6])

local parentKey = base .. ':' .. parentId

if childStatus == 'failed' then
  if failParentOnFailure == '1' then
    redis.call('SREM', waitingChildren, parentId)
    redis.call('HSET', parentKey, 'failedReason', 'child job failed', 'finishedOn', now)
    redis.call('ZADD', failedSet, now, parentId)
    redis.call('XADD', events, '*', 'event', 'failed', 'jobId', parentId, 'failedReason', 'child job failed')
    return 1
  end
  if ignoreDependencyOnFailure ~= '1' then
    redis.call('HINCRBY', parentKey, 'failedChildren', 1)
  end
end

local remaining = redis.call('HINCRBY', parentKey, 'pendingChildren', -1)
if remaining <= 0 then
  local failedChildren = tonumber(redis.call('HGET', parentKey, 'failedChildren')) or 0
  if failedChildren > 0 then
    return 2
  end
  redis.call('SREM', waitingChildren, parentId)
  redis.call('RPUSH', wait, parentId)
  redis.call('ZADD', marker, now, parentId)
  redis.call('XADD', events, '*', 'event', 'waiting', 'jobId', parentId)
  return 0
end
return 3
`}

var luaExtendLock = namedScript{name: "extendLock", src: `
local lockKey = KEYS[1]
local token = ARGV[1]
local ttl = tonumber(ARGV[2])
local held = redis.call('GET', lockKey)
if not held then return -2 end
if held ~= token then return -6 end
redis.call('PEXPIRE', lockKey, ttl)
return 0
`}

// AddJob inserts a new job and returns its id plus whether it was actually
// inserted (false when a deduplication key already claimed an in-flight id).
func (e *Engine) AddJob(ctx context.Context, k AddJobKeys, a AddJobArgs) (jobID string, inserted bool, err error) {
	res, err := e.addJob.Run(ctx, e.rdb, []string{
		k.Wait, k.Paused, k.Delayed, k.Prioritized, k.WaitingChildren,
		k.Meta, k.IDCounter, k.PriorityCounter, k.Events, k.Marker,
	},
		k.Base, a.JobID, a.Name, a.Data, a.Opts, a.Timestamp, a.Delay, a.Priority,
		boolArg(a.LIFO), a.DedupID, a.ParentID, a.ParentQueue,
		a.GroupID, a.GroupName, a.GroupQueue, a.PendingChildren, a.MaxAttempts,
	).Slice()
	if err != nil {
		return "", false, err
	}
	jobID, _ = res[0].(string)
	insertedFlag, _ := res[1].(int64)
	return jobID, insertedFlag == 1, nil
}

// AddJobKeys names the ten cluster-collocated keys addJob touches.
type AddJobKeys struct {
	Base, Wait, Paused, Delayed, Prioritized, WaitingChildren,
	Meta, IDCounter, PriorityCounter, Events, Marker string
}

// AddJobArgs is the job to insert, already codec-encoded where applicable.
type AddJobArgs struct {
	JobID, Name, Data, Opts      string
	Timestamp, Delay, Priority   int64
	LIFO                         bool
	DedupID                      string
	ParentID, ParentQueue        string
	GroupID, GroupName, GroupQueue string
	PendingChildren, MaxAttempts int64
}

// MoveToActiveKeys names the nine keys moveToActive touches.
type MoveToActiveKeys struct {
	Base, Wait, Prioritized, Delayed, Active, Meta, Limiter, Events, Marker, PriorityCounter string
}

// MoveToActive promotes ready delayed jobs, checks the rate limiter, and
// pops the next job into active. limiterTTL > 0 means the caller should
// back off that many milliseconds before retrying.
func (e *Engine) MoveToActive(ctx context.Context, k MoveToActiveKeys, now, lockDurationMs int64, token string, maxPromote int64) (jobID, grantedToken string, limiterTTL int64, err error) {
	res, err := e.moveToActive.Run(ctx, e.rdb, []string{
		k.Wait, k.Prioritized, k.Delayed, k.Active, k.Meta, k.Limiter, k.Events, k.Marker, k.PriorityCounter,
	}, k.Base, now, lockDurationMs, token, maxPromote).Slice()
	if err != nil {
		return "", "", 0, err
	}
	jobID, _ = res[0].(string)
	grantedToken, _ = res[1].(string)
	ttl, _ := res[2].(int64)
	return jobID, grantedToken, ttl, nil
}

// FinishOutcome is the decoded result of a moveToFinished call.
type FinishOutcome struct {
	GroupTransition  string
	CompensationJobs []string
	AttemptsMade     int64
}

// MoveToFinishedKeys names the five keys moveToFinished touches. GroupHash
// and GroupJobsHash may point at throwaway keys when the job has no group.
type MoveToFinishedKeys struct {
	Base, Active, TargetSet, Events, GroupHash, GroupJobsHash string
}

// MoveToFinishedArgs is everything moveToFinished needs beyond its keys.
type MoveToFinishedArgs struct {
	JobID, Token            string
	Now                     int64
	Target                  string // "completed" or "failed"
	ResultValue             string
	StacktraceEntry         string
	KeepCount, KeepAge      int64 // -1 means unlimited
	GroupID, FullJobKey     string
	MaxStacktrace           int64
}

// MoveToFinished atomically finalizes a job and, if it belongs to a group,
// applies the group's completion/failure/compensation bookkeeping in the
// same script invocation.
func (e *Engine) MoveToFinished(ctx context.Context, k MoveToFinishedKeys, a MoveToFinishedArgs) (FinishOutcome, error) {
	res, err := e.moveToFinished.Run(ctx, e.rdb, []string{
		k.Active, k.TargetSet, k.Events, k.GroupHash, k.GroupJobsHash,
	},
		k.Base, a.JobID, a.Token, a.Now, a.Target, a.ResultValue, a.StacktraceEntry,
		a.KeepCount, a.KeepAge, a.GroupID, a.FullJobKey, a.MaxStacktrace,
	).Slice()
	if err != nil {
		return FinishOutcome{}, err
	}
	code, _ := res[0].(int64)
	if e := Translate(code, "moveToFinished", a.JobID); e != nil {
		return FinishOutcome{}, e
	}
	transition, _ := res[1].(string)
	var jobs []string
	if raw, ok := res[2].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				jobs = append(jobs, s)
			}
		}
	}
	attemptsMade, _ := res[3].(int64)
	return FinishOutcome{GroupTransition: transition, CompensationJobs: jobs, AttemptsMade: attemptsMade}, nil
}

// MoveToDelayedKeys names the four keys moveToDelayed touches.
type MoveToDelayedKeys struct {
	Base, Active, Delayed, Marker, Events string
}

// MoveToDelayed schedules a retry (or a caller-requested re-delay) for an
// active job. skipAttempt suppresses the attemptsMade increment and
// stacktrace append, used when re-delaying a job that hasn't actually been
// attempted yet. Returns the post-increment attemptsMade counter.
func (e *Engine) MoveToDelayed(ctx context.Context, k MoveToDelayedKeys, jobID, token string, now, delayMs int64, skipAttempt bool, stacktraceEntry string, maxStacktrace int64) (int64, error) {
	res, err := e.moveToDelayed.Run(ctx, e.rdb, []string{k.Active, k.Delayed, k.Marker, k.Events},
		k.Base, jobID, token, now, delayMs, boolArg(skipAttempt), stacktraceEntry, maxStacktrace).Slice()
	if err != nil {
		return 0, err
	}
	code, _ := res[0].(int64)
	if e := Translate(code, "moveToDelayed", jobID); e != nil {
		return 0, e
	}
	attemptsMade, _ := res[1].(int64)
	return attemptsMade, nil
}

// MoveToWaitingChildren parks an active job until its children resolve.
func (e *Engine) MoveToWaitingChildren(ctx context.Context, active, waitingChildren, base, jobID, token string) error {
	res, err := e.moveToWaitingChildren.Run(ctx, e.rdb, []string{active, waitingChildren}, base, jobID, token).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "moveToWaitingChildren", jobID)
}

// ChildResolution is the outcome of removeChildDependency.
type ChildResolution int

const (
	ChildResolutionParentReady ChildResolution = iota
	ChildResolutionParentFailed
	ChildResolutionParentHasFailedChildren
	ChildResolutionParentStillPending
)

// RemoveChildDependencyKeys names the five keys removeChildDependency touches
// (evaluated against the PARENT's queue, not the child's).
type RemoveChildDependencyKeys struct {
	Base, WaitingChildren, Wait, Marker, Events, Failed string
}

func (e *Engine) RemoveChildDependency(ctx context.Context, k RemoveChildDependencyKeys, parentID, childStatus string, failParentOnFailure, ignoreDependencyOnFailure bool, now int64) (ChildResolution, error) {
	res, err := e.removeChildDependency.Run(ctx, e.rdb,
		[]string{k.WaitingChildren, k.Wait, k.Marker, k.Events, k.Failed},
		k.Base, parentID, childStatus, boolArg(failParentOnFailure), boolArg(ignoreDependencyOnFailure), now,
	).Result()
	if err != nil {
		return 0, err
	}
	code, _ := res.(int64)
	return ChildResolution(code), nil
}

// ExtendLock renews a job's processing lock; callers use this from a
// periodic renewal goroutine while the job is still being worked.
func (e *Engine) ExtendLock(ctx context.Context, lockKey, token string, ttlMs int64) error {
	res, err := e.extendLock.Run(ctx, e.rdb, []string{lockKey}, token, ttlMs).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "extendLock", "")
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
