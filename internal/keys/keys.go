// Package keys builds the canonical Redis key layout shared by every
// state-engine script, the Queue API and the worker runtime.
//
// All keys for a given queue share the form "{prefix}:{queue}:<kind>". In
// cluster mode the queue name is wrapped in a hash tag so every key derived
// from it collocates on the same slot, which every script requires.
package keys

import "fmt"

// Kind names one of the durable entities addressed under a queue.
type Kind string

const (
	Wait            Kind = "wait"
	Paused          Kind = "paused"
	Active          Kind = "active"
	Delayed         Kind = "delayed"
	Prioritized     Kind = "prioritized"
	WaitingChildren Kind = "waiting-children"
	Completed       Kind = "completed"
	Failed          Kind = "failed"
	Stalled         Kind = "stalled"
	StalledCheck    Kind = "stalled-check"
	Limiter         Kind = "limiter"
	Meta            Kind = "meta"
	ID              Kind = "id"
	PriorityCounter Kind = "pc"
	Events          Kind = "events"
	Marker          Kind = "marker"
	Repeat          Kind = "repeat"
	Metrics         Kind = "metrics"
	Logs            Kind = "logs"
)

// Layout maps (prefix, queue) to the canonical key for every kind.
type Layout struct {
	Prefix  string
	Queue   string
	Cluster bool
}

// New returns a Layout for the given prefix/queue pair. cluster controls
// whether the queue name is wrapped as a Redis hash tag so multi-key script
// invocations collocate on one slot.
func New(prefix, queue string, cluster bool) Layout {
	return Layout{Prefix: prefix, Queue: queue, Cluster: cluster}
}

// tag returns the queue name, hash-tag wrapped when cluster mode is on.
func (l Layout) tag() string {
	if l.Cluster {
		return "{" + l.Queue + "}"
	}
	return l.Queue
}

// Base is the "{prefix}:{queue}" root every other key extends.
func (l Layout) Base() string {
	return fmt.Sprintf("%s:%s", l.Prefix, l.tag())
}

// Key returns the key for a given kind, e.g. "{prefix}:{queue}:wait".
func (l Layout) Key(k Kind) string {
	return fmt.Sprintf("%s:%s", l.Base(), k)
}

// Job returns the hash key storing one job's fields.
func (l Layout) Job(id string) string {
	return fmt.Sprintf("%s:%s", l.Base(), id)
}

// Lock returns the lock key for a job id.
func (l Layout) Lock(id string) string {
	return fmt.Sprintf("%s:lock", l.Job(id))
}

// Dedup returns the deduplication marker key for a dedup id.
func (l Layout) Dedup(dedupID string) string {
	return fmt.Sprintf("%s:de:%s", l.Base(), dedupID)
}

// Group returns the group hash key.
func (l Layout) Group(groupID string) string {
	return fmt.Sprintf("%s:groups:%s", l.Base(), groupID)
}

// GroupJobs returns the group's job-status hash key.
func (l Layout) GroupJobs(groupID string) string {
	return fmt.Sprintf("%s:jobs", l.Group(groupID))
}

// GroupsIndex returns the sorted-set index of all groups, ordered by
// creation time.
func (l Layout) GroupsIndex() string {
	return fmt.Sprintf("%s:groups", l.Base())
}

// Compensation returns the name of the queue that carries compensation
// jobs for this source queue. It keeps the source queue's hash tag so
// compensation jobs collocate with the group they belong to (spec.md §3
// invariant 5).
func (l Layout) Compensation() string {
	return fmt.Sprintf("%s:compensation", l.Queue)
}

// FullJobKey returns the canonical "{prefix}:{queue}:{jobId}" form used to
// address a job from group bookkeeping (spec.md §9 open question 1).
func FullJobKey(prefix, queue, jobID string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, queue, jobID)
}

// SplitFullJobKey splits a fully-qualified job key from its last colon,
// returning (queueKey, jobID). queueKey is "{prefix}:{queue}".
func SplitFullJobKey(full string) (queueKey, jobID string, ok bool) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == ':' {
			return full[:i], full[i+1:], true
		}
	}
	return "", "", false
}
