package poller

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"crmbot/internal/crm"
	"crmbot/internal/store"
	"crmbot/internal/task"
	logx "crmbot/pkg/logx"
)

// Scraper is the page-walking side of the CRM client.
type Scraper interface {
	FindAwaitingCalls(ctx context.Context) ([]crm.RawRow, error)
}

// Sender is the outbound notification channel.
type Sender interface {
	SendBatch(ctx context.Context, tasks []task.Task, batch int64, urgent bool) error
	SendDailyStats(ctx context.Context, counts map[int]int64) error
}

// Poller is the single sequential scrape→evaluate→dispatch loop. It is the
// only writer to the store; nothing here is parallelized across pages or
// tasks, so mark-sent ordering stays sequential per task.
type Poller struct {
	cfg     Config
	log     logx.Logger
	scraper Scraper
	store   *store.Store
	sender  Sender

	purgeSched cron.Schedule
	nextPurge  time.Time

	// pending holds non-urgent should-send tasks between window crossings.
	pending map[taskKey]task.Task

	phase phase

	// now is the clock; swapped in tests.
	now func() time.Time
}

func New(cfg Config, scraper Scraper, st *store.Store, sender Sender, log logx.Logger) (*Poller, error) {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	sched, err := cron.ParseStandard(cfg.PurgeSchedule)
	if err != nil {
		return nil, err
	}
	p := &Poller{
		cfg:        cfg,
		log:        log,
		scraper:    scraper,
		store:      st,
		sender:     sender,
		purgeSched: sched,
		pending:    map[taskKey]task.Task{},
		phase:      phaseIdle,
		now:        time.Now,
	}
	p.nextPurge = sched.Next(p.now())
	return p, nil
}

// Run drives the loop until ctx is cancelled. An in-flight cycle finishes
// its dispatch before the loop transitions to stopped.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poll loop started",
		logx.Any("send_minutes", p.cfg.SendMinutes),
		logx.Duration("max_sleep", p.cfg.MaxSleep))

	for {
		if ctx.Err() != nil {
			p.phase = phaseStopped
			p.log.Info("poll loop stopped")
			return nil
		}

		p.cycle(ctx)

		p.phase = phaseSleeping
		delay := p.NextWakeup(p.now())
		p.log.Debug("sleeping", logx.Duration("delay", delay))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			p.phase = phaseStopped
			p.log.Info("poll loop stopped")
			return nil
		case <-tmr.C:
		}
		p.phase = phaseIdle
	}
}

// cycle runs one scrape→evaluate→dispatch pass. Errors end the affected
// part of the cycle, never the loop.
func (p *Poller) cycle(ctx context.Context) {
	now := p.now()

	p.phase = phaseScraping
	rows, err := p.scraper.FindAwaitingCalls(ctx)
	if err != nil {
		p.log.Warn("scrape failed; skipping cycle", logx.Err(err))
		return
	}

	p.phase = phaseEvaluating
	urgentQ := p.evaluate(ctx, rows, now)

	if len(urgentQ) > 0 {
		p.phase = phaseDispatchUrgent
		p.dispatch(ctx, urgentQ, true)
	}

	if p.inSendWindow(p.now()) && len(p.pending) > 0 {
		p.phase = phaseDispatchScheduled
		p.dispatch(ctx, p.pendingTasks(), false)
	}

	p.maybePurge(ctx)
}

// evaluate normalizes and folds the scraped rows into the store, queueing
// non-urgent sends into pending and returning the urgent-now queue.
func (p *Poller) evaluate(ctx context.Context, rows []crm.RawRow, now time.Time) []task.Task {
	var urgentQ []task.Task
	var bad, claimed int

	for _, row := range rows {
		t, err := task.Normalize(row, now)
		if err != nil {
			bad++
			p.log.Warn("row dropped", logx.String("link", row.LinkLabel), logx.Err(err))
			continue
		}
		// Claimed tasks are observed but never notified; filtered here,
		// before the store sees them. A previously queued task that got
		// claimed leaves the pending queue too.
		if t.IsProcessing {
			claimed++
			delete(p.pending, taskKey{id: t.ID, scheduled: t.ScheduledTime})
			continue
		}

		decision, err := p.store.Evaluate(ctx, t)
		if err != nil {
			p.log.Warn("evaluate failed; task skipped this cycle",
				logx.Int("id", t.ID), logx.Err(err))
			continue
		}
		if !decision.ShouldSend() {
			continue
		}

		key := taskKey{id: t.ID, scheduled: t.ScheduledTime}
		urgentNow := decision == store.DecisionUrgentEscalation ||
			(decision == store.DecisionStaleRefresh && t.IsUrgent)
		if urgentNow {
			urgentQ = append(urgentQ, t)
			delete(p.pending, key)
		} else {
			p.pending[key] = t
		}

		p.log.Debug("task queued",
			logx.Int("id", t.ID), logx.String("scheduled", t.ScheduledTime),
			logx.String("decision", decision.String()), logx.Bool("urgent", urgentNow))
	}

	p.log.Info("cycle evaluated",
		logx.Int("rows", len(rows)), logx.Int("bad", bad), logx.Int("claimed", claimed),
		logx.Int("urgent_queue", len(urgentQ)), logx.Int("pending", len(p.pending)))
	return urgentQ
}

// dispatch sends one numbered batch and records delivery per task. On send
// failure nothing is marked; scheduled tasks stay in the pending queue for
// the next window, an urgent batch is lost (its escalation edge was already
// consumed).
func (p *Poller) dispatch(ctx context.Context, tasks []task.Task, urgent bool) {
	if len(tasks) == 0 {
		return
	}
	batch, err := p.store.NextBatchNumber(ctx)
	if err != nil {
		p.log.Warn("batch number unavailable; dispatch deferred", logx.Err(err))
		return
	}
	if err := p.sender.SendBatch(ctx, tasks, batch, urgent); err != nil {
		p.log.Warn("dispatch failed; will retry next cycle",
			logx.Int64("batch", batch), logx.Bool("urgent", urgent), logx.Err(err))
		return
	}
	for _, t := range tasks {
		if err := p.store.MarkSent(ctx, t.ID, t.ScheduledTime, batch); err != nil {
			p.log.Error("mark-sent failed after confirmed delivery",
				logx.Int("id", t.ID), logx.String("scheduled", t.ScheduledTime),
				logx.Int64("batch", batch), logx.Err(err))
			continue
		}
		if !urgent {
			delete(p.pending, taskKey{id: t.ID, scheduled: t.ScheduledTime})
		}
	}
}

// pendingTasks snapshots the pending queue in a stable order.
func (p *Poller) pendingTasks() []task.Task {
	out := make([]task.Task, 0, len(p.pending))
	for _, t := range p.pending {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime < out[j].ScheduledTime
	})
	return out
}

// inSendWindow reports whether now sits inside one of the minute-mark
// windows that flush the scheduled queue.
func (p *Poller) inSendWindow(now time.Time) bool {
	tolMinutes := int(p.cfg.SendTolerance / time.Minute)
	if tolMinutes < 1 {
		tolMinutes = 1
	}
	minute := now.Minute()
	for _, mark := range p.cfg.SendMinutes {
		for i := 0; i < tolMinutes; i++ {
			if minute == (mark+i)%60 {
				return true
			}
		}
	}
	return false
}

// NextWakeup computes the sleep until the next minute-mark crossing,
// capped at MaxSleep and floored at one second.
func (p *Poller) NextWakeup(now time.Time) time.Duration {
	next := p.nextMark(now)
	d := next.Sub(now)
	if d > p.cfg.MaxSleep {
		d = p.cfg.MaxSleep
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (p *Poller) nextMark(now time.Time) time.Time {
	base := now.Truncate(time.Minute)
	best := time.Time{}
	for _, mark := range p.cfg.SendMinutes {
		candidate := base.Add(time.Duration(mark-now.Minute()) * time.Minute)
		if !candidate.After(now) {
			candidate = candidate.Add(time.Hour)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	return best
}

// maybePurge runs the daily housekeeping when the cron gate crosses: the
// retention cleanup, then the send-statistics report.
func (p *Poller) maybePurge(ctx context.Context) {
	now := p.now()
	if now.Before(p.nextPurge) {
		return
	}
	p.nextPurge = p.purgeSched.Next(now)

	n, err := p.store.Purge(ctx, p.cfg.Retention)
	if err != nil {
		p.log.Warn("retention purge failed", logx.Err(err))
	} else {
		p.log.Info("retention purge done",
			logx.Int64("deleted", n), logx.Duration("retention", p.cfg.Retention),
			logx.Time("next", p.nextPurge))
	}

	p.sendDailyStats(ctx)
}

// sendDailyStats reports the per-hour send counts of the trailing day.
func (p *Poller) sendDailyStats(ctx context.Context) {
	if p.cfg.StatsCity == "" {
		return
	}
	offset, _ := task.UTCOffsetHours(p.cfg.StatsCity)
	counts, err := p.store.SentCountsByHour(ctx, 24*time.Hour, offset)
	if err != nil {
		p.log.Warn("send history unavailable", logx.Err(err))
		return
	}
	if err := p.sender.SendDailyStats(ctx, counts); err != nil {
		p.log.Warn("daily stats dispatch failed", logx.Err(err))
	}
}
