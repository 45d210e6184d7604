// Copyright 2025 James Ross
//
// Package flow is the Flow Producer (spec.md §4.10, C10): it composes trees
// of parent/child jobs, where a parent with children is inserted directly
// into waiting-children and only becomes runnable once every child resolves,
// and it composes saga groups alongside their member jobs.
package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sagaqueue/sagaqueue/internal/codec"
	"github.com/sagaqueue/sagaqueue/internal/group"
	"github.com/sagaqueue/sagaqueue/internal/keys"
	"github.com/sagaqueue/sagaqueue/internal/scripts"
)

// Producer composes job trees and groups across one or more queues sharing
// a prefix.
type Producer struct {
	rdb     redis.Cmdable
	eng     *scripts.Engine
	groups  *group.Coordinator
	prefix  string
	cluster bool
}

func New(rdb redis.Cmdable, eng *scripts.Engine, groups *group.Coordinator, prefix string, cluster bool) *Producer {
	return &Producer{rdb: rdb, eng: eng, groups: groups, prefix: prefix, cluster: cluster}
}

// Node describes one job in a flow tree. Children are inserted after the
// parent obtains an id, each stamped with a parent ref pointing back to it
// (spec.md §9 "cyclic references" — traversed by id, never by pointer).
type Node struct {
	QueueName string
	Name      string
	Data      string
	Opts      codec.Options
	Children  []Node
}

// Result is the id tree mirroring the Node tree that was added.
type Result struct {
	JobID    string
	Children []Result
}

// Add inserts node and its children, returning the id tree. The parent gets
// `pendingChildren = len(node.Children)` so addJob routes it straight to
// waiting-children; each child is inserted with `opts.parent` pointing at
// the parent's full key.
func (p *Producer) Add(ctx context.Context, node Node, now int64) (Result, error) {
	return p.add(ctx, node, "", "", now)
}

func (p *Producer) add(ctx context.Context, node Node, parentID, parentBase string, now int64) (Result, error) {
	layout := keys.New(p.prefix, node.QueueName, p.cluster)

	if parentID != "" {
		if node.Opts.Parent == nil {
			node.Opts.Parent = &codec.ParentRef{}
		}
		node.Opts.Parent.ID = parentID
		node.Opts.Parent.Queue = parentBase
	}
	encodedOpts, err := codec.EncodeOptions(node.Opts)
	if err != nil {
		return Result{}, err
	}

	var parentRefID, parentRefQueue string
	if node.Opts.Parent != nil {
		parentRefID, parentRefQueue = node.Opts.Parent.ID, node.Opts.Parent.Queue
	}
	var groupID, groupName, groupQueue string
	if node.Opts.Group != nil {
		groupID, groupName, groupQueue = node.Opts.Group.ID, node.Opts.Group.Name, node.Opts.Group.Queue
	}
	maxAttempts := node.Opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	jobID, _, err := p.eng.AddJob(ctx, scripts.AddJobKeys{
		Base:            layout.Base(),
		Wait:            layout.Key(keys.Wait),
		Paused:          layout.Key(keys.Paused),
		Delayed:         layout.Key(keys.Delayed),
		Prioritized:     layout.Key(keys.Prioritized),
		WaitingChildren: layout.Key(keys.WaitingChildren),
		Meta:            layout.Key(keys.Meta),
		IDCounter:       layout.Key(keys.ID),
		PriorityCounter: layout.Key(keys.PriorityCounter),
		Events:          layout.Key(keys.Events),
		Marker:          layout.Key(keys.Marker),
	}, scripts.AddJobArgs{
		JobID: node.Opts.JobID, Name: node.Name, Data: node.Data, Opts: string(encodedOpts),
		Timestamp: now, Delay: node.Opts.Delay, Priority: node.Opts.Priority, LIFO: node.Opts.LIFO,
		DedupID: node.Opts.DeduplicationID, ParentID: parentRefID, ParentQueue: parentRefQueue,
		GroupID: groupID, GroupName: groupName, GroupQueue: groupQueue,
		PendingChildren: int64(len(node.Children)), MaxAttempts: int64(maxAttempts),
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{JobID: jobID}
	for _, child := range node.Children {
		childResult, err := p.add(ctx, child, jobID, layout.Base(), now)
		if err != nil {
			return result, err
		}
		result.Children = append(result.Children, childResult)
	}
	return result, nil
}

// GroupJobSpec is one member of a group created via AddGroup.
type GroupJobSpec struct {
	Name string
	Data string
	Opts codec.Options
}

// AddGroup validates the §4.9 preconditions, stamps every member with a
// group ref, inserts them, and creates the group's bookkeeping hash — the
// "single pipelined atomic batch" spec.md §4.10 describes, implemented as
// the group's own counters committing atomically in CreateGroup and each
// member's addJob committing atomically in its own right (spec.md §4.9
// DESIGN decision: true cross-script atomicity isn't attempted here, see
// DESIGN.md).
func (p *Producer) AddGroup(ctx context.Context, layout keys.Layout, name string, jobs []GroupJobSpec, compensation map[string]string, now int64) (groupID string, jobIDs []string, err error) {
	if len(jobs) == 0 {
		return "", nil, fmt.Errorf("flow: addGroup requires at least one job")
	}
	names := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		names[j.Name] = true
		if j.Opts.Parent != nil {
			return "", nil, fmt.Errorf("flow: group member %q carries opts.parent, which groups forbid", j.Name)
		}
	}
	for compKey := range compensation {
		if !names[compKey] {
			return "", nil, fmt.Errorf("flow: compensation key %q does not match any job name", compKey)
		}
	}

	groupID = uuid.NewString()
	members := make([]group.Member, 0, len(jobs))
	jobIDs = make([]string, 0, len(jobs))

	for _, j := range jobs {
		j.Opts.Group = &codec.GroupRef{ID: groupID, Name: name, Queue: layout.Base()}
		encodedOpts, err := codec.EncodeOptions(j.Opts)
		if err != nil {
			return "", nil, err
		}
		maxAttempts := j.Opts.Attempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		jobID, _, err := p.eng.AddJob(ctx, scripts.AddJobKeys{
			Base:            layout.Base(),
			Wait:            layout.Key(keys.Wait),
			Paused:          layout.Key(keys.Paused),
			Delayed:         layout.Key(keys.Delayed),
			Prioritized:     layout.Key(keys.Prioritized),
			WaitingChildren: layout.Key(keys.WaitingChildren),
			Meta:            layout.Key(keys.Meta),
			IDCounter:       layout.Key(keys.ID),
			PriorityCounter: layout.Key(keys.PriorityCounter),
			Events:          layout.Key(keys.Events),
			Marker:          layout.Key(keys.Marker),
		}, scripts.AddJobArgs{
			JobID: j.Opts.JobID, Name: j.Name, Data: j.Data, Opts: string(encodedOpts),
			Timestamp: now, Delay: j.Opts.Delay, Priority: j.Opts.Priority, LIFO: j.Opts.LIFO,
			GroupID: groupID, GroupName: name, GroupQueue: layout.Base(),
			MaxAttempts: int64(maxAttempts),
		})
		if err != nil {
			return "", nil, err
		}
		jobIDs = append(jobIDs, jobID)
		members = append(members, group.Member{JobID: jobID, Name: j.Name})
	}

	if err := p.groups.Create(ctx, layout, groupID, name, now, members, compensation, nil); err != nil {
		return "", nil, err
	}
	return groupID, jobIDs, nil
}
