// Copyright 2025 James Ross
package queue

import (
	"github.com/sagaqueue/sagaqueue/internal/codec"
)

// Job is the client-side view of a job hash (spec.md §3). Only ID/Name/Data
// are set by the caller on add; the rest is populated by reads from the
// state engine's authoritative fields.
type Job struct {
	ID   string
	Name string
	Data string // opaque, codec-encoded
	Opts codec.Options

	Timestamp       int64
	AttemptsMade    int64
	AttemptsStarted int64
	ProcessedOn     int64
	FinishedOn      int64
	ReturnValue     string
	FailedReason    string
	Progress        string

	ParentID     string
	ParentQueue  string
	GroupID      string
	GroupName    string
	GroupQueue   string
	DedupID      string
	RepeatJobKey string
}

// DLQMeta is attached to a job replayed onto or enqueued into a dead letter
// queue (spec.md §3 "Dead letter").
type DLQMeta struct {
	SourceQueue       string   `json:"sourceQueue"`
	OriginalJobID     string   `json:"originalJobId"`
	FailedReason      string   `json:"failedReason"`
	Stacktrace        []string `json:"stacktrace"`
	AttemptsMade      int64    `json:"attemptsMade"`
	DeadLetteredAt    int64    `json:"deadLetteredAt"`
	OriginalTimestamp int64    `json:"originalTimestamp"`
	OriginalOpts      string   `json:"originalOpts"`
}

// FromHash decodes a raw HGETALL result (field -> value) into a Job. Missing
// fields are left at their zero value, matching a job that hasn't reached
// that lifecycle stage yet.
func FromHash(id string, h map[string]string) (Job, error) {
	j := Job{
		ID:              id,
		Name:            h["name"],
		Data:            h["data"],
		Timestamp:       parseInt(h["timestamp"]),
		AttemptsMade:    parseInt(h["attemptsMade"]),
		AttemptsStarted: parseInt(h["attemptsStarted"]),
		ProcessedOn:     parseInt(h["processedOn"]),
		FinishedOn:      parseInt(h["finishedOn"]),
		ReturnValue:     h["returnvalue"],
		FailedReason:    h["failedReason"],
		Progress:        h["progress"],
		ParentID:        h["parentId"],
		ParentQueue:     h["parentQueue"],
		GroupID:         h["groupId"],
		GroupName:       h["groupName"],
		GroupQueue:      h["groupQueue"],
		DedupID:         h["deduplicationId"],
		RepeatJobKey:    h["repeatJobKey"],
	}
	if raw, ok := h["opts"]; ok && raw != "" {
		opts, err := codec.DecodeOptions([]byte(raw))
		if err != nil {
			return Job{}, err
		}
		j.Opts = opts
	}
	return j, nil
}

func parseInt(s string) int64 {
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}
