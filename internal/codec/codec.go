// Package codec encodes job options and payload arguments into compact,
// deterministic blobs passed verbatim to state-engine scripts (spec.md
// §4.2). The encoding must round-trip exactly and stay stable across
// versions because dedup hashing and test fixtures depend on it.
package codec

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Options mirrors the job option bag described in spec.md §3/§6. Absent
// fields encode as explicit nil/zero rather than being omitted, so two
// logically-equal option bags always produce byte-identical encodings.
type Options struct {
	Attempts                 int                    `json:"attempts"`
	Delay                    int64                  `json:"delay"`
	Priority                 int64                  `json:"priority"`
	LIFO                     bool                   `json:"lifo"`
	Backoff                  *BackoffSpec           `json:"backoff"`
	ErrorBackoffs            map[string]BackoffSpec `json:"errorBackoffs"`
	RemoveOnComplete         *KeepSpec              `json:"removeOnComplete"`
	RemoveOnFail             *KeepSpec              `json:"removeOnFail"`
	Parent                   *ParentRef             `json:"parent"`
	Group                    *GroupRef              `json:"group"`
	DeduplicationID          string                 `json:"deduplicationId"`
	RepeatJobKey             string                 `json:"repeatJobKey"`
	Repeat                   *RepeatOpts            `json:"repeat"`
	JobID                    string                 `json:"jobId"`
	FailParentOnFailure      bool                   `json:"failParentOnFailure"`
	ContinueParentOnFailure  bool                   `json:"continueParentOnFailure"`
	IgnoreDependencyOnFailure bool                  `json:"ignoreDependencyOnFailure"`
	RemoveDependencyOnFailure bool                  `json:"removeDependencyOnFailure"`
}

// RepeatOpts configures a cron- or interval-driven repeat schedule. Exactly
// one of Pattern or Every is expected; internal/repeat computes each
// occurrence's fire time from whichever is set.
type RepeatOpts struct {
	Pattern     string `json:"pattern"`
	Every       int64  `json:"every"`
	Limit       int64  `json:"limit"`
	EndDate     int64  `json:"endDate"`
	TZ          string `json:"tz"`
	Immediately bool   `json:"immediately"`
}

// BackoffSpec is the discriminated union of backoff strategies (spec.md
// §4.3). A bare numeric delay normalizes to {Type: "fixed", Delay: n}.
type BackoffSpec struct {
	Type     string  `json:"type"`
	Delay    int64   `json:"delay"`
	Exponent float64 `json:"exponent"`
	Jitter   float64 `json:"jitter"`
	MaxDelay int64   `json:"maxDelay"`
}

// KeepSpec is the discriminated union for removeOnComplete/removeOnFail:
// either a boolean (keep/remove everything), a count, or an age in ms.
type KeepSpec struct {
	Bool  *bool  `json:"bool"`
	Count *int64 `json:"count"`
	Age   *int64 `json:"age"`
}

// ParentRef is the child→parent edge stored on the job hash so cyclic
// parent/child relationships are traversed by id lookup, never by
// in-memory pointers (spec.md §9).
type ParentRef struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// GroupRef is stamped onto every group member before insertion (spec.md
// §4.10).
type GroupRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Queue string `json:"queue"`
}

// NormalizeBackoff turns a bare delay (milliseconds) into a fixed-strategy
// spec, per spec.md §4.3.
func NormalizeBackoff(delayMs int64) BackoffSpec {
	return BackoffSpec{Type: "fixed", Delay: delayMs}
}

// EncodeOptions produces the compact, deterministic blob for an Options
// value. It round-trips via DecodeOptions.
func EncodeOptions(o Options) ([]byte, error) {
	return encodeDeterministic(o)
}

// DecodeOptions is the inverse of EncodeOptions.
func DecodeOptions(b []byte) (Options, error) {
	var o Options
	if len(b) == 0 {
		return o, nil
	}
	err := json.Unmarshal(b, &o)
	return o, err
}

// EncodeArgs encodes an arbitrary argument value (used for opaque job data
// and for script ARGV payloads that carry structured data) the same way.
func EncodeArgs(v interface{}) ([]byte, error) {
	return encodeDeterministic(v)
}

// DecodeArgs is the inverse of EncodeArgs into the given destination.
func DecodeArgs(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// encodeDeterministic marshals v to JSON and compacts the result. Two Go
// values with the same logical content produce byte-identical output because
// encoding/json already sorts map keys and preserves struct field order; this
// function does no reordering of its own. Documented here because dedup
// hashing depends on it (spec.md §4.2, §8).
func encodeDeterministic(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StableMapKeys returns the keys of m in sorted order, used anywhere a map
// is walked to build a script ARGV list so invocation order is
// deterministic across runs (and therefore test fixtures are stable).
func StableMapKeys(m map[string]BackoffSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
