package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "30s", "5m", "24h").
type Config struct {
	CRM      CRMConfig      `json:"crm"`
	Telegram TelegramConfig `json:"telegram"`
	Poll     PollConfig     `json:"poll"`
	Tracker  TrackerConfig  `json:"tracker"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

// CRMConfig describes the scraped CRM instance and the session credentials.
type CRMConfig struct {
	BaseURL  string `json:"base_url"`
	Login    string `json:"login"`
	Password string `json:"password"`

	// MaxPages bounds the pagination walk per cycle.
	MaxPages int `json:"max_pages,omitempty"`

	// RequestTimeout is a Go duration string for a single HTTP request.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// PollConfig controls the dispatch loop.
type PollConfig struct {
	// SendMinutes are the minute-of-hour marks at which the scheduled
	// (non-urgent) queue is flushed. Default: [1, 31].
	SendMinutes []int `json:"send_minutes,omitempty"`

	// SendTolerance widens each mark into a window (mark .. mark+tolerance).
	SendTolerance string `json:"send_tolerance,omitempty"`

	// MaxSleep caps the computed sleep between cycles.
	MaxSleep string `json:"max_sleep,omitempty"`

	// PurgeSchedule is a standard 5-field cron expression gating the daily
	// retention cleanup. Default: "0 4 * * *".
	PurgeSchedule string `json:"purge_schedule,omitempty"`
}

// TrackerConfig controls the tracked-task state machine.
type TrackerConfig struct {
	// QuietPeriod is the minimum interval between two notifications for the
	// same task absent an urgency escalation. Default: "30m".
	QuietPeriod string `json:"quiet_period,omitempty"`

	// Retention is how long an unseen, unsent task is kept. Default: "24h".
	Retention string `json:"retention,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`

	// Startup enables the "bot started" message on boot.
	Startup bool `json:"startup,omitempty"`

	// DailyStats enables the hourly send report, delivered once per purge
	// schedule crossing.
	DailyStats bool `json:"daily_stats,omitempty"`

	// StatsCity names the timezone the report hours are rendered in.
	// Default: "Владивосток".
	StatsCity string `json:"stats_city,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
