package notifier

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crmbot/internal/task"
	kit "crmbot/internal/transport"
	logx "crmbot/pkg/logx"
)

// DefaultStatsCity is the reporting timezone city for the daily send
// report when the config names none.
const DefaultStatsCity = "Владивосток"

// statsStartHour is the first hour on the daily report scale.
const statsStartHour = 8

type Config struct {
	ChatID     int64
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration

	// StatsCity names the timezone the daily send report is rendered in.
	StatsCity string
}

// Service sends numbered batches through the transport adapter with rate
// limiting and bounded retry. A returned nil error means the batch may be
// assumed delivered; the caller marks the tasks sent only after that.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter

	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, adapter: adapter}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if strings.TrimSpace(cfg.StatsCity) == "" {
		cfg.StatsCity = DefaultStatsCity
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SendBatch delivers one numbered batch. Urgent batches ring; scheduled
// ones are silent.
func (s *Service) SendBatch(ctx context.Context, tasks []task.Task, batch int64, urgent bool) error {
	if len(tasks) == 0 {
		return nil
	}
	text := FormatBatch(tasks, batch, urgent)
	opt := &kit.SendOptions{
		ParseMode:      "Markdown",
		DisablePreview: true,
		Silent:         !urgent,
	}
	if err := s.send(ctx, text, opt); err != nil {
		s.log.Warn("batch send failed",
			logx.Int64("batch", batch), logx.Int("tasks", len(tasks)),
			logx.Bool("urgent", urgent), logx.Err(err))
		return err
	}
	s.log.Info("batch sent",
		logx.Int64("batch", batch), logx.Int("tasks", len(tasks)), logx.Bool("urgent", urgent))
	return nil
}

// SendDailyStats delivers the hourly send report for the trailing day.
// counts is keyed by local hour (0..23) in the configured timezone.
func (s *Service) SendDailyStats(ctx context.Context, counts map[int]int64) error {
	s.mu.Lock()
	city := s.cfg.StatsCity
	s.mu.Unlock()

	text := FormatDailyStats(counts, city, statsStartHour)
	if err := s.send(ctx, text, &kit.SendOptions{Silent: true}); err != nil {
		s.log.Warn("daily stats send failed", logx.Err(err))
		return err
	}
	s.log.Info("daily stats sent", logx.String("city", city))
	return nil
}

// SendStartup announces the daemon coming up.
func (s *Service) SendStartup(ctx context.Context, marks []int) error {
	host, _ := os.Hostname()
	text := fmt.Sprintf(
		"CRM bot started\nhost: `%s`\ntime: %s\nscheduled sends at minutes %v\nurgent sends every cycle",
		host, time.Now().Format("02.01.2006 15:04:05"), marks,
	)
	return s.send(ctx, text, &kit.SendOptions{ParseMode: "Markdown", Silent: true})
}

func (s *Service) send(ctx context.Context, text string, opt *kit.SendOptions) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	base := s.cfg.RetryBase
	chatID := s.cfg.ChatID
	adapter := s.adapter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}

	to := kit.ChatTarget{ChatID: chatID}
	var last error
	for i := 0; i <= retry; i++ {
		_, err := adapter.SendText(ctx, to, text, opt)
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := base + time.Duration(i)*base/2
		s.log.Debug("send retry scheduled",
			logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return last
}

// FormatDailyStats renders the hourly send report as text: a header line,
// one "HH: n" line per hour on a 24-hour scale starting at startHour, and
// the day total.
func FormatDailyStats(counts map[int]int64, city string, startHour int) string {
	var total int64
	lines := make([]string, 0, 26)
	lines = append(lines, fmt.Sprintf("Статистика отправок (по %s), шкала с %d:00", city, startHour))
	for i := 0; i < 24; i++ {
		h := (startHour + i) % 24
		v := counts[h]
		total += v
		lines = append(lines, fmt.Sprintf("%02d: %d", h, v))
	}
	lines = append(lines, "", fmt.Sprintf("Отправлено за последние 24 часа: %d", total))
	return strings.Join(lines, "\n")
}

// FormatBatch renders the batch message: "#N" header, then one line per
// task, id in monospace with the resolved schedule in parentheses.
func FormatBatch(tasks []task.Task, batch int64, urgent bool) string {
	header := fmt.Sprintf("#%d", batch)
	if urgent {
		header += " ⚠"
	}
	lines := make([]string, 0, len(tasks)+2)
	lines = append(lines, header, "")
	for _, t := range tasks {
		if t.ScheduledTime != "" {
			lines = append(lines, fmt.Sprintf("`%d` (%s)", t.ID, t.ScheduledTime))
		} else {
			lines = append(lines, fmt.Sprintf("`%d`", t.ID))
		}
	}
	return strings.Join(lines, "\n")
}
