// Copyright 2025 James Ross
package scripts

import "context"

var luaCreateGroup = namedScript{name: "createGroup", src: `
local groupHash = KEYS[1]
local groupJobsHash = KEYS[2]
local groupsIndex = KEYS[3]

local groupId = ARGV[1]
local name = ARGV[2]
local now = tonumber(ARGV[3])
local totalJobs = tonumber(ARGV[4])
local compensationJson = ARGV[5]

if totalJobs < 1 then
  return -3
end

redis.call('HSET', groupHash,
  'id', groupId, 'name', name, 'state', 'ACTIVE',
  'createdAt', now, 'updatedAt', now,
  'totalJobs', totalJobs, 'completedCount', 0, 'failedCount', 0, 'cancelledCount', 0,
  'compensation', compensationJson, 'totalCompensationJobs', 0, 'compensationDoneCount', 0, 'compensationFailedCount', 0)

for i = 6, #ARGV do
  redis.call('HSET', groupJobsHash, ARGV[i], 'pending')
end

redis.call('ZADD', groupsIndex, now, groupId)
return 0
`}

// cancelGroupJobs removes every still-pending group member from whichever
// queue-state structure currently holds it, then decides (per spec.md §4.9's
// truth table) whether the group transitions straight to FAILED or must
// enter COMPENSATING because some siblings already completed.
var luaCancelGroupJobs = namedScript{name: "cancelGroupJobs", src: `
local groupHash = KEYS[1]
local groupJobsHash = KEYS[2]
local wait = KEYS[3]
local paused = KEYS[4]
local delayed = KEYS[5]
local prioritized = KEYS[6]

local groupId = ARGV[1]
local now = tonumber(ARGV[2])

local state = redis.call('HGET', groupHash, 'state')
if state == 'COMPLETED' or state == 'FAILED' or state == 'FAILED_COMPENSATION' then
  return {-12, {}}
end

local all = redis.call('HGETALL', groupJobsHash)
local cancelledCount = 0
for i = 1, #all, 2 do
  local fullKey = all[i]
  local status = all[i + 1]
  if status == 'pending' then
    local idx = nil
    for j = #fullKey, 1, -1 do
      if string.sub(fullKey, j, j) == ':' then idx = j break end
    end
    local jobId = string.sub(fullKey, idx + 1)
    redis.call('LREM', wait, 0, jobId)
    redis.call('LREM', paused, 0, jobId)
    redis.call('ZREM', delayed, jobId)
    redis.call('ZREM', prioritized, jobId)
    redis.call('HSET', groupJobsHash, fullKey, 'cancelled')
    cancelledCount = cancelledCount + 1
  end
end

if cancelledCount > 0 then
  redis.call('HINCRBY', groupHash, 'cancelledCount', cancelledCount)
end
redis.call('HSET', groupHash, 'updatedAt', now)

local completedCount = tonumber(redis.call('HGET', groupHash, 'completedCount')) or 0
local compensationJobs = {}
if completedCount > 0 then
  redis.call('HSET', groupHash, 'state', 'COMPENSATING')
  local all2 = redis.call('HGETALL', groupJobsHash)
  for i = 1, #all2, 2 do
    if all2[i + 1] == 'completed' then
      table.insert(compensationJobs, all2[i])
    end
  end
else
  redis.call('HSET', groupHash, 'state', 'FAILED')
end

return {0, compensationJobs}
`}

// triggerCompensation enqueues one compensation job per already-completed
// sibling. Items travel as a single JSON array so the script can decode them
// with cjson rather than threading a variadic ARGV quad per job.
var luaTriggerCompensation = namedScript{name: "triggerCompensation", src: `
local groupHash = KEYS[1]
local compWait = KEYS[2]
local compEvents = KEYS[3]
local compMarker = KEYS[4]
local compIdCounter = KEYS[5]

local groupId = ARGV[1]
local now = tonumber(ARGV[2])
local compensationBase = ARGV[3]
local itemsJson = ARGV[4]

local items = cjson.decode(itemsJson)
local count = 0
for _, item in ipairs(items) do
  local jobId = tostring(redis.call('INCR', compIdCounter))
  local jobKey = compensationBase .. ':' .. jobId
  local data = cjson.encode({
    groupId = groupId,
    originalJobName = item.originalJobName,
    originalJobId = item.originalJobId,
    originalReturnValue = item.originalReturnValue,
    compensationData = item.compensationData,
  })
  redis.call('HSET', jobKey, 'id', jobId, 'name', 'compensation', 'data', data, 'timestamp', now, 'attemptsMade', 0, 'attemptsStarted', 0)
  redis.call('RPUSH', compWait, jobId)
  redis.call('ZADD', compMarker, now, jobId)
  redis.call('XADD', compEvents, '*', 'event', 'waiting', 'jobId', jobId)
  count = count + 1
end

redis.call('HSET', groupHash, 'totalCompensationJobs', count)
return count
`}

var luaUpdateGroupCompensation = namedScript{name: "updateGroupCompensation", src: `
local groupHash = KEYS[1]
local now = tonumber(ARGV[1])
local outcome = ARGV[2]

local done = redis.call('HINCRBY', groupHash, 'compensationDoneCount', 1)
local total = tonumber(redis.call('HGET', groupHash, 'totalCompensationJobs')) or 0

if outcome == 'failure' then
  redis.call('HINCRBY', groupHash, 'compensationFailedCount', 1)
end

redis.call('HSET', groupHash, 'updatedAt', now)

if done >= total then
  local failedCount = tonumber(redis.call('HGET', groupHash, 'compensationFailedCount')) or 0
  if failedCount > 0 then
    redis.call('HSET', groupHash, 'state', 'FAILED_COMPENSATION')
    return 'FAILED_COMPENSATION'
  else
    redis.call('HSET', groupHash, 'state', 'FAILED')
    return 'FAILED'
  end
end
return ''
`}

type CreateGroupKeys struct {
	GroupHash, GroupJobsHash, GroupsIndex string
}

// CreateGroup writes the group's bookkeeping hash and seeds its member index
// as "pending". The preconditions on compensation-key/job-name correspondence
// and "no member carries opts.parent" are validated by the FlowProducer
// caller before this call, since it already holds every job's Options in
// memory; only the group's own counters need this script's atomicity.
func (e *Engine) CreateGroup(ctx context.Context, k CreateGroupKeys, groupID, name string, now, totalJobs int64, compensationJSON string, fullJobKeys []string) error {
	argv := make([]interface{}, 0, 5+len(fullJobKeys))
	argv = append(argv, groupID, name, now, totalJobs, compensationJSON)
	for _, fk := range fullJobKeys {
		argv = append(argv, fk)
	}
	res, err := e.createGroup.Run(ctx, e.rdb, []string{k.GroupHash, k.GroupJobsHash, k.GroupsIndex}, argv...).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	return Translate(code, "createGroup", groupID)
}

type CancelGroupKeys struct {
	GroupHash, GroupJobsHash, Wait, Paused, Delayed, Prioritized string
}

// CancelGroupResult reports whether cancellation forced the group straight
// into COMPENSATING, and if so which completed siblings need compensation.
type CancelGroupResult struct {
	CompensationJobs []string
}

func (e *Engine) CancelGroupJobs(ctx context.Context, k CancelGroupKeys, groupID string, now int64) (CancelGroupResult, error) {
	res, err := e.cancelGroupJobs.Run(ctx, e.rdb,
		[]string{k.GroupHash, k.GroupJobsHash, k.Wait, k.Paused, k.Delayed, k.Prioritized},
		groupID, now,
	).Slice()
	if err != nil {
		return CancelGroupResult{}, err
	}
	code, _ := res[0].(int64)
	if e := Translate(code, "cancelGroupJobs", groupID); e != nil {
		return CancelGroupResult{}, e
	}
	var jobs []string
	if raw, ok := res[1].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				jobs = append(jobs, s)
			}
		}
	}
	return CancelGroupResult{CompensationJobs: jobs}, nil
}

// CompensationItem describes one compensation job to enqueue.
type CompensationItem struct {
	OriginalJobName     string      `json:"originalJobName"`
	OriginalJobID       string      `json:"originalJobId"`
	OriginalReturnValue interface{} `json:"originalReturnValue"`
	CompensationData    interface{} `json:"compensationData"`
}

type TriggerCompensationKeys struct {
	GroupHash, CompWait, CompEvents, CompMarker, CompIDCounter string
}

// TriggerCompensation enqueues one job per item into the compensation queue
// and records the total so UpdateGroupCompensation knows when it is done.
func (e *Engine) TriggerCompensation(ctx context.Context, k TriggerCompensationKeys, groupID string, now int64, compensationBase, itemsJSON string) (int64, error) {
	res, err := e.triggerCompensation.Run(ctx, e.rdb,
		[]string{k.GroupHash, k.CompWait, k.CompEvents, k.CompMarker, k.CompIDCounter},
		groupID, now, compensationBase, itemsJSON,
	).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// UpdateGroupCompensation records one compensation job's outcome and, once
// every compensation job has reported, finalizes the group's terminal
// state: FAILED if all compensations succeeded, FAILED_COMPENSATION if any
// did not. Returns "" while compensation is still in flight.
func (e *Engine) UpdateGroupCompensation(ctx context.Context, groupHash string, now int64, outcome string) (string, error) {
	res, err := e.updateGroupCompensation.Run(ctx, e.rdb, []string{groupHash}, now, outcome).Result()
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return s, nil
}
