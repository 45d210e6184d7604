// Copyright 2025 James Ross
//
// Package group is the saga group coordinator (spec.md §4.9, C9): it
// creates groups, dispatches compensation jobs for completed siblings when a
// group transitions to COMPENSATING, and records each compensation job's
// outcome until the group reaches a terminal state.
package group

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

// Coordinator wraps the group-lifecycle scripts with the bookkeeping a
// caller needs to turn their raw output (job keys, counters) into concrete
// compensation jobs.
type Coordinator struct {
	rdb redis.Cmdable
	eng *scripts.Engine
}

func New(rdb redis.Cmdable, eng *scripts.Engine) *Coordinator {
	return &Coordinator{rdb: rdb, eng: eng}
}

// Member describes one job to include in a new group.
type Member struct {
	JobID string
	Name  string
}

// Create writes a new group's bookkeeping hash. Precondition validation
// (totalJobs≥1, every compensation key matches a member name, no member
// carries a parent) happens here, in Go, before the script ever runs —
// the caller already holds every member's Options in memory, so there is
// no atomicity to gain by pushing that check into Lua (spec.md §4.9).
func (c *Coordinator) Create(ctx context.Context, layout keys.Layout, groupID, name string, now int64, members []Member, compensation map[string]string, memberHasParent func(jobID string) bool) error {
	if len(members) < 1 {
		return fmt.Errorf("group: totalJobs must be >= 1")
	}
	names := make(map[string]bool, len(members))
	for _, m := range members {
		names[m.Name] = true
		if memberHasParent != nil && memberHasParent(m.JobID) {
			return fmt.Errorf("group: member job %s carries a parent ref, which groups forbid", m.JobID)
		}
	}
	for compKey := range compensation {
		if !names[compKey] {
			return fmt.Errorf("group: compensation key %q does not match any member name", compKey)
		}
	}

	compJSON, err := json.Marshal(compensation)
	if err != nil {
		return err
	}
	fullKeys := make([]string, len(members))
	for i, m := range members {
		fullKeys[i] = keys.FullJobKey(layout.Prefix, layout.Queue, m.JobID)
	}

	return c.eng.CreateGroup(ctx, scripts.CreateGroupKeys{
		GroupHash:     layout.Group(groupID),
		GroupJobsHash: layout.GroupJobs(groupID),
		GroupsIndex:   layout.GroupsIndex(),
	}, groupID, name, now, int64(len(members)), string(compJSON), fullKeys)
}

// CompensationSource resolves the data a completed job needs to build its
// compensation job: its original return value and any caller-supplied
// compensation payload.
type CompensationSource interface {
	OriginalReturnValue(ctx context.Context, fullJobKey string) (interface{}, error)
}

// DispatchCompensation converts the completed-sibling keys returned by
// MoveToFinished/CancelGroupJobs into enqueued compensation jobs on
// {sourceQueue}:compensation, and returns how many were enqueued.
func (c *Coordinator) DispatchCompensation(ctx context.Context, sourceLayout keys.Layout, groupID string, now int64, completedFullJobKeys []string, compensationData map[string]interface{}, src CompensationSource) (int64, error) {
	if len(completedFullJobKeys) == 0 {
		return 0, nil
	}

	items := make([]scripts.CompensationItem, 0, len(completedFullJobKeys))
	for _, fullKey := range completedFullJobKeys {
		_, jobID, ok := keys.SplitFullJobKey(fullKey)
		if !ok {
			return 0, fmt.Errorf("group: malformed full job key %q", fullKey)
		}
		name, err := c.rdb.HGet(ctx, fullKey, "name").Result()
		if err != nil && err != redis.Nil {
			return 0, err
		}
		var returnValue interface{}
		if src != nil {
			returnValue, err = src.OriginalReturnValue(ctx, fullKey)
			if err != nil {
				return 0, err
			}
		}
		items = append(items, scripts.CompensationItem{
			OriginalJobName:     name,
			OriginalJobID:       jobID,
			OriginalReturnValue: returnValue,
			CompensationData:    compensationData[name],
		})
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return 0, err
	}

	compQueueName := sourceLayout.Compensation()
	compLayout := keys.New(sourceLayout.Prefix, compQueueName, sourceLayout.Cluster)

	return c.eng.TriggerCompensation(ctx, scripts.TriggerCompensationKeys{
		GroupHash:     sourceLayout.Group(groupID),
		CompWait:      compLayout.Key(keys.Wait),
		CompEvents:    compLayout.Key(keys.Events),
		CompMarker:    compLayout.Key(keys.Marker),
		CompIDCounter: compLayout.Key(keys.ID),
	}, groupID, now, compLayout.Base(), string(itemsJSON))
}

// ReportCompensationOutcome records one compensation job's terminal outcome
// and returns the group's new terminal state once every compensation job
// has reported ("" while still in flight).
func (c *Coordinator) ReportCompensationOutcome(ctx context.Context, layout keys.Layout, groupID string, now int64, succeeded bool) (string, error) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	return c.eng.UpdateGroupCompensation(ctx, layout.Group(groupID), now, outcome)
}
