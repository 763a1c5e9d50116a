package poller

import (
	"time"
)

// phase is where the poll loop currently is. One cycle walks
// idle → scraping → evaluating → dispatching (maybe) → sleeping → idle;
// cancellation lands in stopped after any in-flight dispatch completes.
type phase int

const (
	phaseIdle phase = iota
	phaseScraping
	phaseEvaluating
	phaseDispatchUrgent
	phaseDispatchScheduled
	phaseSleeping
	phaseStopped
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseScraping:
		return "scraping"
	case phaseEvaluating:
		return "evaluating"
	case phaseDispatchUrgent:
		return "dispatch_urgent"
	case phaseDispatchScheduled:
		return "dispatch_scheduled"
	case phaseSleeping:
		return "sleeping"
	case phaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls the dispatch loop.
type Config struct {
	// SendMinutes are the minute-of-hour marks that open the scheduled
	// send window.
	SendMinutes []int

	// SendTolerance widens each mark into [mark, mark+tolerance).
	SendTolerance time.Duration

	// MaxSleep caps the computed sleep between cycles so the loop never
	// dozes through an urgent condition for long.
	MaxSleep time.Duration

	// PurgeSchedule is a 5-field cron expression for the daily retention
	// cleanup.
	PurgeSchedule string

	// Retention is how long an unseen, unsent task survives.
	Retention time.Duration

	// StatsCity names the reporting timezone city for the daily send
	// report. Empty disables the report.
	StatsCity string
}

func (c *Config) withDefaults() {
	if len(c.SendMinutes) == 0 {
		c.SendMinutes = []int{1, 31}
	}
	if c.SendTolerance <= 0 {
		c.SendTolerance = 2 * time.Minute
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = 5 * time.Minute
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = "0 4 * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// taskKey is the dedup identity inside the pending queue.
type taskKey struct {
	id        int
	scheduled string
}
