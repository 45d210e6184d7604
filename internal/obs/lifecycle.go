// Copyright 2025 James Ross
package obs

import (
	"time"

	"go.uber.org/zap"
)

// Level names the documented lifecycle log levels (spec.md §4.7).
type Level int

const (
	LevelDebug Level = iota
	LevelWarn
	LevelError
)

// Entry is the structured lifecycle record emitted for every worker event.
type Entry struct {
	Timestamp    time.Time
	Event        string
	Queue        string
	JobID        string
	JobName      string
	AttemptsMade int
	Duration     time.Duration
	Data         map[string]interface{}
}

// LifecycleLogger is the only logging contract this module depends on.
// Concrete logger implementations (this package's Zap adapter, or a
// caller-supplied one) are external collaborators per spec.md §1; only this
// interface matters to the worker runtime.
type LifecycleLogger interface {
	Log(level Level, e Entry)
}

// debugEvents/warnEvents/errorEvents are the default level assignment from
// spec.md §4.7: debug for {added, active, completed, delayed, rate-limited},
// warn for {retrying, stalled}, error for {failed}.
var (
	debugEvents = map[string]bool{"added": true, "active": true, "completed": true, "delayed": true, "rate-limited": true}
	warnEvents  = map[string]bool{"retrying": true, "stalled": true}
	errorEvents = map[string]bool{"failed": true}
)

// LevelFor returns the documented level for a lifecycle event name,
// defaulting to debug for anything not explicitly classified.
func LevelFor(event string) Level {
	switch {
	case warnEvents[event]:
		return LevelWarn
	case errorEvents[event]:
		return LevelError
	default:
		return LevelDebug
	}
}

// NopLifecycleLogger discards every entry. Used when no logger is
// configured; the worker still does a single truthy check per event before
// calling Log, so the overhead with a Nop logger is that one check plus a
// no-op call (spec.md §4.7).
type NopLifecycleLogger struct{}

func (NopLifecycleLogger) Log(Level, Entry) {}

// LogEventFilter restricts emission to an allowlist of event names
// (spec.md "Honor optional logEvents allowlist").
type LogEventFilter struct {
	Inner     LifecycleLogger
	Allowlist map[string]bool
}

func (f LogEventFilter) Log(level Level, e Entry) {
	if f.Allowlist != nil && !f.Allowlist[e.Event] {
		return
	}
	f.Inner.Log(level, e)
}

// ZapLifecycleLogger adapts a *zap.Logger to LifecycleLogger.
type ZapLifecycleLogger struct {
	Logger *zap.Logger
}

func NewZapLifecycleLogger(logger *zap.Logger) ZapLifecycleLogger {
	return ZapLifecycleLogger{Logger: logger}
}

func (z ZapLifecycleLogger) Log(level Level, e Entry) {
	fields := []zap.Field{
		zap.Time("timestamp", e.Timestamp),
		zap.String("queue", e.Queue),
		zap.String("job_id", e.JobID),
		zap.String("job_name", e.JobName),
		zap.Int("attempts_made", e.AttemptsMade),
		zap.Duration("duration", e.Duration),
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}
	switch level {
	case LevelWarn:
		z.Logger.Warn(e.Event, fields...)
	case LevelError:
		z.Logger.Error(e.Event, fields...)
	default:
		z.Logger.Debug(e.Event, fields...)
	}
}
