// Copyright 2025 James Ross
package scripts

import (
	"context"
)

var luaMoveStalledJobsToWait = namedScript{name: "moveStalledJobsToWait", src: `
local active = KEYS[1]
local stalled = KEYS[2]
local wait = KEYS[3]
local failedSet = KEYS[4]
local stalledCheck = KEYS[5]
local events = KEYS[6]

local base = ARGV[1]
local now = tonumber(ARGV[2])
local maxStalledCount = tonumber(ARGV[3])
local throttleTtl = tonumber(ARGV[4])
local scanLimit = tonumber(ARGV[5])

local acquired = redis.call('SET', stalledCheck, '1', 'NX', 'PX', throttleTtl)
if not acquired then
  return {0, 0}
end

local jobs = redis.call('LRANGE', active, 0, scanLimit - 1)
local recovered = 0
local failedOut = 0
for _, jobId in ipairs(jobs) do
  local jobKey = base .. ':' .. jobId
  local lockKey = jobKey .. ':lock'
  if redis.call('EXISTS', lockKey) == 0 then
    redis.call('LREM', active, 1, jobId)
    local stalledCount = redis.call('HINCRBY', jobKey, 'stalledCount', 1)
    if stalledCount > maxStalledCount then
      redis.call('ZADD', failedSet, now, jobId)
      redis.call('HSET', jobKey, 'failedReason', 'stalled more than allowable limit', 'finishedOn', now)
      redis.call('XADD', events, '*', 'event', 'failed', 'jobId', jobId, 'failedReason', 'stalled more than allowable limit')
      failedOut = failedOut + 1
    else
      redis.call('RPUSH', wait, jobId)
      redis.call('XADD', events, '*', 'event', 'waiting', 'jobId', jobId)
      recovered = recovered + 1
    end
  end
end

return {recovered, failedOut}
`}

var luaRetryJob = namedScript{name: "retryJob", src: `
local failedSet = KEYS[1]
local wait = KEYS[2]
local events = KEYS[3]
local marker = KEYS[4]
local jobId = ARGV[1]
local now = tonumber(ARGV[2])

local removed = redis.call('ZREM', failedSet, jobId)
if removed == 0 then return -3 end
redis.call('RPUSH', wait, jobId)
redis.call('ZADD', marker, now, jobId)
redis.call('XADD', events, '*', 'event', 'waiting', 'jobId', jobId)
return 0
`}

var luaPromoteJob = namedScript{name: "promoteJob", src: `
local delayed = KEYS[1]
local wait = KEYS[2]
local prioritized = KEYS[3]
local pcCounter = KEYS[4]
local events = KEYS[5]
local marker = KEYS[6]
local base = ARGV[1]
local jobId = ARGV[2]
local now = tonumber(ARGV[3])

local removed = redis.call('ZREM', delayed, jobId)
if removed == 0 then return -3 end
local jobKey = base .. ':' .. jobId
local prio = tonumber(redis.call('HGET', jobKey, 'priority')) or 0
if prio > 0 then
  local counter = redis.call('INCR', pcCounter)
  redis.call('ZADD', prioritized, prio * 1e13 + counter, jobId)
else
  redis.call('RPUSH', wait, jobId)
end
redis.call('ZADD', marker, now, jobId)
redis.call('XADD', events, '*', 'event', 'waiting', 'jobId', jobId)
return 0
`}

var luaChangeDelay = namedScript{name: "changeDelay", src: `
local delayed = KEYS[1]
local jobId = ARGV[1]
local fireAt = tonumber(ARGV[2])
local exists = redis.call('ZSCORE', delayed, jobId)
if not exists then return -3 end
redis.call('ZADD', delayed, fireAt, jobId)
return 0
`}

// changePriority uses an isJobInList helper so older Redis servers (or a
// Redis-protocol-compatible alternative lacking LPOS, spec.md §6) can fall
// back to a manual list scan via the legacy ARGV flag.
var luaChangePriority = namedScript{name: "changePriority", src: `
local function isJobInList(key, val, legacy)
  if legacy == '1' then
    local all = redis.call('LRANGE', key, 0, -1)
    for i, v in ipairs(all) do
      if v == val then return i - 1 end
    end
    return nil
  end
  return redis.call('LPOS', key, val)
end

local prioritized = KEYS[1]
local wait = KEYS[2]
local pcCounter = KEYS[3]
local base = ARGV[1]
local jobId = ARGV[2]
local newPriority = tonumber(ARGV[3])
local legacy = ARGV[4]

local existing = redis.call('ZSCORE', prioritized, jobId)
if existing then
  local counter = redis.call('INCR', pcCounter)
  redis.call('ZADD', prioritized, newPriority * 1e13 + counter, jobId)
  return 0
end

local pos = isJobInList(wait, jobId, legacy)
if pos then
  redis.call('LREM', wait, 1, jobId)
  if newPriority > 0 then
    local counter = redis.call('INCR', pcCounter)
    redis.call('ZADD', prioritized, newPriority * 1e13 + counter, jobId)
  else
    redis.call('RPUSH', wait, jobId)
  end
  return 0
end
return -3
`}

var luaPauseQueue = namedScript{name: "pauseQueue", src: `
local meta = KEYS[1]
local wait = KEYS[2]
local paused = KEYS[3]
local action = ARGV[1]
if action == 'pause' then
  redis.call('HSET', meta, 'paused', '1')
  while true do
    local v = redis.call('RPOP', wait)
    if not v then break end
    redis.call('LPUSH', paused, v)
  end
else
  redis.call('HSET', meta, 'paused', '0')
  while true do
    local v = redis.call('RPOP', paused)
    if not v then break end
    redis.call('LPUSH', wait, v)
  end
end
return 0
`}

var luaDrainQueue = namedScript{name: "drainQueue", src: `
local wait = KEYS[1]
local delayed = KEYS[2]
local includeDelayed = ARGV[1]
local removed = 0
while true do
  local v = redis.call('RPOP', wait)
  if not v then break end
  removed = removed + 1
end
if includeDelayed == '1' then
  local all = redis.call('ZRANGE', delayed, 0, -1)
  if #all > 0 then
    redis.call('DEL', delayed)
    removed = removed + #all
  end
end
return removed
`}

var luaObliterateQueue = namedScript{name: "obliterateQueue", src: `
local meta = KEYS[1]
local active = KEYS[2]
local force = ARGV[1]

if force ~= '1' then
  if redis.call('HGET', meta, 'paused') ~= '1' then
    return -13
  end
  if redis.call('LLEN', active) > 0 then
    return -14
  end
end

for i = 2, #KEYS do
  redis.call('DEL', KEYS[i])
end
redis.call('DEL', meta)
return 0
`}

var luaCleanJobsInSet = namedScript{name: "cleanJobsInSet", src: `
local targetSet = KEYS[1]
local base = ARGV[1]
local now = tonumber(ARGV[2])
local grace = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local cutoff = now - grace
local ids = redis.call('ZRANGEBYSCORE', targetSet, '-inf', cutoff, 'LIMIT', 0, limit)
for _, id in ipairs(ids) do
  redis.call('ZREM', targetSet, id)
  redis.call('DEL', base .. ':' .. id, base .. ':' .. id .. ':stacktrace', base .. ':' .. id .. ':logs')
end
return #ids
`}

var luaRemoveJob = namedScript{name: "removeJob", src: `
local wait = KEYS[1]
local paused = KEYS[2]
local delayed = KEYS[3]
local prioritized = KEYS[4]
local waitingChildren = KEYS[5]
local active = KEYS[6]
local completed = KEYS[7]
local failedSet = KEYS[8]

local base = ARGV[1]
local jobId = ARGV[2]

redis.call('LREM', wait, 0, jobId)
redis.call('LREM', paused, 0, jobId)
redis.call('LREM', active, 0, jobId)
redis.call('ZREM', delayed, jobId)
redis.call('ZREM', prioritized, jobId)
redis.call('ZREM', completed, jobId)
redis.call('ZREM', failedSet, jobId)
redis.call('SREM', waitingChildren, jobId)

local jobKey = base .. ':' .. jobId
redis.call('DEL', jobKey, jobKey .. ':lock', jobKey .. ':stacktrace', jobKey .. ':logs')
return 0
`}

// MoveStalledResult reports how many active jobs a stall sweep recovered vs.
// moved to the failed set.
type MoveStalledResult struct {
	Recovered int64
	Failed    int64
}

type MoveStalledKeys struct {
	Base, Active, Stalled, Wait, Failed, StalledCheck, Events string
}

// MoveStalledJobsToWait is throttled by a SET NX PX guard on StalledCheck so
// only one reaper tick does work per throttle window (spec.md §4.5 C5).
func (e *Engine) MoveStalledJobsToWait(ctx context.Context, k MoveStalledKeys, now, maxStalledCount, throttleTTLMs, scanLimit int64) (MoveStalledResult, error) {
	res, err := e.moveStalledJobsToWait.Run(ctx, e.rdb,
		[]string{k.Active, k.Stalled, k.Wait, k.Failed, k.StalledCheck, k.Events},
		k.Base, now, maxStalledCount, throttleTTLMs, scanLimit,
	).Slice()
	if err != nil {
		return MoveStalledResult{}, err
	}
	recovered, _ := res[0].(int64)
	failed, _ := res[1].(int64)
	return MoveStalledResult{Recovered: recovered, Failed: failed}, nil
}

func (e *Engine) RetryJob(ctx context.Context, failed, wait, events, marker, jobID string, now int64) error {
	res, err := e.retryJob.Run(ctx, e.rdb, []string{failed, wait, events, marker}, jobID, now).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "retryJob", jobID)
}

func (e *Engine) PromoteJob(ctx context.Context, base, delayed, wait, prioritized, pcCounter, events, marker, jobID string, now int64) error {
	res, err := e.promoteJob.Run(ctx, e.rdb,
		[]string{delayed, wait, prioritized, pcCounter, events, marker},
		base, jobID, now,
	).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "promoteJob", jobID)
}

func (e *Engine) ChangeDelay(ctx context.Context, delayed, jobID string, fireAt int64) error {
	res, err := e.changeDelay.Run(ctx, e.rdb, []string{delayed}, jobID, fireAt).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "changeDelay", jobID)
}

func (e *Engine) ChangePriority(ctx context.Context, base, prioritized, wait, pcCounter, jobID string, newPriority int64, legacyScan bool) error {
	res, err := e.changePriority.Run(ctx, e.rdb, []string{prioritized, wait, pcCounter},
		base, jobID, newPriority, boolArg(legacyScan)).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "changePriority", jobID)
}

// PauseQueue moves every waiting job between the wait and paused lists.
// action is "pause" or "resume".
func (e *Engine) PauseQueue(ctx context.Context, meta, wait, paused, action string) error {
	_, err := e.pauseQueue.Run(ctx, e.rdb, []string{meta, wait, paused}, action).Result()
	return err
}

// DrainQueue empties the wait list (and, if includeDelayed, the delayed set)
// and returns how many jobs were dropped.
func (e *Engine) DrainQueue(ctx context.Context, wait, delayed string, includeDelayed bool) (int64, error) {
	res, err := e.drainQueue.Run(ctx, e.rdb, []string{wait, delayed}, boolArg(includeDelayed)).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// ObliterateQueue deletes meta and every key in rest; no other key of the
// queue is touched. It refuses unless the queue is paused and has no active
// jobs, unless force is set.
func (e *Engine) ObliterateQueue(ctx context.Context, meta string, rest []string, force bool) error {
	keys := append([]string{meta}, rest...)
	res, err := e.obliterateQueue.Run(ctx, e.rdb, keys, boolArg(force)).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "obliterateQueue", "")
}

// CleanJobsInSet removes entries older than grace from targetSet (completed
// or failed), deleting their job hashes, bounded by limit per call.
func (e *Engine) CleanJobsInSet(ctx context.Context, targetSet, base string, now, graceMs, limit int64) (int64, error) {
	res, err := e.cleanJobsInSet.Run(ctx, e.rdb, []string{targetSet}, base, now, graceMs, limit).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

type RemoveJobKeys struct {
	Base, Wait, Paused, Delayed, Prioritized, WaitingChildren, Active, Completed, Failed string
}

// RemoveJob deletes a job from wherever it currently lives (spec.md §8
// remove/getJob round trip).
func (e *Engine) RemoveJob(ctx context.Context, k RemoveJobKeys, jobID string) error {
	_, err := e.removeJob.Run(ctx, e.rdb, []string{
		k.Wait, k.Paused, k.Delayed, k.Prioritized, k.WaitingChildren, k.Active, k.Completed, k.Failed,
	}, k.Base, jobID).Result()
	return err
}
