// Package scripts is the atomic state engine (spec.md §4.5): every
// transition a job or group can make is one server-side Lua script,
// invoked through go-redis's redis.Script, following the Lua-scripting
// idiom established by the teacher's
// internal/advanced-rate-limiting/rate_limiter.go (redis.NewScript, typed
// KEYS/ARGV, manual result unpacking).
//
// Script names carry a version suffix (spec.md §9 "script versioning") so
// mixed-version deployments stay safe; each process loads its own scripts
// into its own redis.Script wrapper rather than relying on a shared,
// globally-named SCRIPT LOAD entry.
package scripts

import (
	"github.com/redis/go-redis/v9"
)

// Version suffixes every script's logical name. Bump this when a script's
// semantics change incompatibly.
const Version = "v1"

// Job hash field names shared by every script that reads or writes a job.
const (
	FieldID                        = "id"
	FieldName                      = "name"
	FieldData                      = "data"
	FieldOpts                      = "opts"
	FieldTimestamp                 = "timestamp"
	FieldDelay                     = "delay"
	FieldPriority                  = "priority"
	FieldLIFO                      = "lifo"
	FieldAttemptsMade              = "attemptsMade"
	FieldAttemptsStarted           = "attemptsStarted"
	FieldMaxAttempts               = "maxAttempts"
	FieldProcessedOn               = "processedOn"
	FieldFinishedOn                = "finishedOn"
	FieldReturnValue               = "returnvalue"
	FieldFailedReason              = "failedReason"
	FieldProgress                  = "progress"
	FieldParentID                  = "parentId"
	FieldParentQueue               = "parentQueue"
	FieldPendingChildren           = "pendingChildren"
	FieldFailedChildren            = "failedChildren"
	FieldFailParentOnFailure       = "failParentOnFailure"
	FieldContinueParentOnFailure   = "continueParentOnFailure"
	FieldIgnoreDependencyOnFailure = "ignoreDependencyOnFailure"
	FieldRemoveDependencyOnFailure = "removeDependencyOnFailure"
	FieldGroupID                   = "groupId"
	FieldGroupName                 = "groupName"
	FieldGroupQueue                = "groupQueue"
	FieldDeduplicationID           = "deduplicationId"
	FieldRepeatJobKey              = "repeatJobKey"
)

// Engine holds every compiled script and the Redis client used to run them.
type Engine struct {
	rdb redis.Cmdable

	addJob                  *redis.Script
	moveToActive            *redis.Script
	moveToFinished          *redis.Script
	moveToDelayed           *redis.Script
	moveToWaitingChildren   *redis.Script
	removeChildDependency   *redis.Script
	extendLock              *redis.Script
	moveStalledJobsToWait   *redis.Script
	retryJob                *redis.Script
	promoteJob              *redis.Script
	changeDelay             *redis.Script
	changePriority          *redis.Script
	pauseQueue              *redis.Script
	drainQueue              *redis.Script
	obliterateQueue         *redis.Script
	cleanJobsInSet          *redis.Script
	removeJob               *redis.Script

	createGroup             *redis.Script
	cancelGroupJobs         *redis.Script
	triggerCompensation     *redis.Script
	updateGroupCompensation *redis.Script
}

// New compiles every script and binds it to rdb.
func New(rdb redis.Cmdable) *Engine {
	return &Engine{
		rdb: rdb,

		addJob:                luaAddJob.toScript(),
		moveToActive:          luaMoveToActive.toScript(),
		moveToFinished:        luaMoveToFinished.toScript(),
		moveToDelayed:         luaMoveToDelayed.toScript(),
		moveToWaitingChildren: luaMoveToWaitingChildren.toScript(),
		removeChildDependency: luaRemoveChildDependency.toScript(),
		extendLock:            luaExtendLock.toScript(),
		moveStalledJobsToWait: luaMoveStalledJobsToWait.toScript(),
		retryJob:              luaRetryJob.toScript(),
		promoteJob:            luaPromoteJob.toScript(),
		changeDelay:           luaChangeDelay.toScript(),
		changePriority:        luaChangePriority.toScript(),
		pauseQueue:            luaPauseQueue.toScript(),
		drainQueue:            luaDrainQueue.toScript(),
		obliterateQueue:       luaObliterateQueue.toScript(),
		cleanJobsInSet:        luaCleanJobsInSet.toScript(),
		removeJob:             luaRemoveJob.toScript(),

		createGroup:             luaCreateGroup.toScript(),
		cancelGroupJobs:         luaCancelGroupJobs.toScript(),
		triggerCompensation:     luaTriggerCompensation.toScript(),
		updateGroupCompensation: luaUpdateGroupCompensation.toScript(),
	}
}

// namedScript pairs a logical name (used in error messages and metrics)
// with its Lua source.
type namedScript struct {
	name string
	src  string
}

func (n namedScript) toScript() *redis.Script {
	return redis.NewScript(n.src)
}
