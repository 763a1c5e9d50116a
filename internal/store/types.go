package store

import (
	"errors"
	"time"
)

// ErrStorage wraps persistence failures so callers can tell "don't send"
// from "couldn't decide". A storage error means: skip this task for the
// cycle, retry next cycle.
var ErrStorage = errors.New("storage error")

// Decision is the outcome of evaluating one observed task.
type Decision int

const (
	// DecisionNone: already tracked, nothing warrants a (re)send.
	DecisionNone Decision = iota
	// DecisionNew: first observation of this (id, scheduled_time).
	DecisionNew
	// DecisionUrgentEscalation: rising edge of the urgency marker.
	DecisionUrgentEscalation
	// DecisionStaleRefresh: quiet period elapsed since the last send.
	DecisionStaleRefresh
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionNew:
		return "new"
	case DecisionUrgentEscalation:
		return "urgent_escalation"
	case DecisionStaleRefresh:
		return "stale_refresh"
	default:
		return "unknown"
	}
}

// ShouldSend reports whether the decision enqueues the task for dispatch.
func (d Decision) ShouldSend() bool { return d != DecisionNone }

// TrackedTask is the persisted state of one (id, scheduled_time) identity.
type TrackedTask struct {
	RequestID       int
	ScheduledTime   string
	City            string
	IsUrgent        bool
	WasSentAsUrgent bool
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	LastSentAt      time.Time // zero until first confirmed send
	BatchNumbers    []int64
}

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default

	// QuietPeriod is the minimum interval between two sends for the same
	// task absent an escalation.
	QuietPeriod time.Duration
}

// Stats is a point-in-time summary used by the startup report.
type Stats struct {
	Tracked int64
	Sent    int64
	Urgent  int64
}
