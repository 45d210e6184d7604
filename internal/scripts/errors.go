// Copyright 2025 James Ross
package scripts

import "fmt"

// Code is a script-returned invariant-violation code (spec.md §7.1). Scripts
// never raise Go errors; they return an int, and the caller translates it.
type Code int64

const (
	CodeOK                          Code = 0
	CodeJobNotExist                 Code = -1
	CodeJobLockNotExist             Code = -2
	CodeJobNotInState               Code = -3
	CodeJobPendingChildren          Code = -4
	CodeParentJobNotExist           Code = -5
	CodeJobLockMismatch             Code = -6
	CodeParentJobCannotBeReplaced   Code = -7
	CodeJobBelongsToJobScheduler    Code = -8
	CodeJobHasFailedChildren        Code = -9
	CodeSchedulerJobIdCollision     Code = -10
	CodeSchedulerJobSlotsBusy       Code = -11
	CodeInvalidGroupState           Code = -12
	CodeObliterateNotPaused         Code = -13
	CodeObliterateHasActiveJobs     Code = -14
)

// InvariantError is the typed error the client raises when a script returns
// a negative code (spec.md §7.1: "The client translates code → named error
// including the command and jobId").
type InvariantError struct {
	Code    Code
	Command string
	JobID   string
}

func (e *InvariantError) Error() string {
	name := codeNames[e.Code]
	if name == "" {
		name = fmt.Sprintf("code(%d)", e.Code)
	}
	if e.JobID != "" {
		return fmt.Sprintf("%s: %s (job %s)", e.Command, name, e.JobID)
	}
	return fmt.Sprintf("%s: %s", e.Command, name)
}

var codeNames = map[Code]string{
	CodeJobNotExist:               "JobNotExist",
	CodeJobLockNotExist:           "JobLockNotExist",
	CodeJobNotInState:             "JobNotInState",
	CodeJobPendingChildren:        "JobPendingChildren",
	CodeParentJobNotExist:         "ParentJobNotExist",
	CodeJobLockMismatch:           "JobLockMismatch",
	CodeParentJobCannotBeReplaced: "ParentJobCannotBeReplaced",
	CodeJobBelongsToJobScheduler:  "JobBelongsToJobScheduler",
	CodeJobHasFailedChildren:      "JobHasFailedChildren",
	CodeSchedulerJobIdCollision:   "SchedulerJobIdCollision",
	CodeSchedulerJobSlotsBusy:     "SchedulerJobSlotsBusy",
	CodeInvalidGroupState:         "InvalidGroupState",
	CodeObliterateNotPaused:       "ObliterateRequiresPausedQueue",
	CodeObliterateHasActiveJobs:   "ObliterateRequiresNoActiveJobs",
}

// Translate turns a raw numeric code returned by a script into a Go error,
// or nil when code is CodeOK (>= 0 unless the op documents otherwise).
func Translate(code int64, command, jobID string) error {
	if code >= 0 {
		return nil
	}
	return &InvariantError{Code: Code(code), Command: command, JobID: jobID}
}
