package poller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"crmbot/internal/crm"
	"crmbot/internal/store"
	"crmbot/internal/task"
	logx "crmbot/pkg/logx"
)

type fakeScraper struct {
	rows []crm.RawRow
	err  error
}

func (f *fakeScraper) FindAwaitingCalls(ctx context.Context) ([]crm.RawRow, error) {
	return f.rows, f.err
}

type sentBatch struct {
	tasks  []task.Task
	batch  int64
	urgent bool
}

type fakeSender struct {
	fail       bool
	sent       []sentBatch
	statsCalls int
	lastCounts map[int]int64
}

func (f *fakeSender) SendBatch(ctx context.Context, tasks []task.Task, batch int64, urgent bool) error {
	if f.fail {
		return errors.New("send failed")
	}
	cp := make([]task.Task, len(tasks))
	copy(cp, tasks)
	f.sent = append(f.sent, sentBatch{tasks: cp, batch: batch, urgent: urgent})
	return nil
}

func (f *fakeSender) SendDailyStats(ctx context.Context, counts map[int]int64) error {
	f.statsCalls++
	f.lastCounts = counts
	return nil
}

func newTestPoller(t *testing.T, scraper *fakeScraper, sender *fakeSender) (*Poller, *time.Time) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p, err := New(Config{}, scraper, st, sender, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Minute 10 is outside the default 1/31 send window.
	now := time.Date(2025, 12, 12, 12, 10, 0, 0, time.UTC)
	clock := &now
	p.now = func() time.Time { return *clock }
	p.nextPurge = p.purgeSched.Next(now)
	return p, clock
}

func awaitingRow(id string, urgent bool) crm.RawRow {
	return crm.RawRow{
		Cells:      []string{"", "12.12.2025 19:00", "Звонок", "Ожидает", "Москва"},
		LinkLabel:  id + " Клиент",
		LinkHref:   "/admin/domain/customer-request/update?id=" + id,
		RowClasses: []string{"bg-status-awaitOnly"},
		Urgent:     urgent,
	}
}

func TestScheduledTasksAccumulateUntilWindow(t *testing.T) {
	t.Parallel()
	scraper := &fakeScraper{rows: []crm.RawRow{awaitingRow("100", false)}}
	sender := &fakeSender{}
	p, clock := newTestPoller(t, scraper, sender)
	ctx := context.Background()

	// Outside the window: evaluated, held, not sent.
	p.cycle(ctx)
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d batches outside window", len(sender.sent))
	}
	if len(p.pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(p.pending))
	}

	// A second task appears next cycle, still outside the window.
	scraper.rows = append(scraper.rows, awaitingRow("200", false))
	*clock = clock.Add(5 * time.Minute)
	p.cycle(ctx)
	if len(p.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(p.pending))
	}

	// Window crossing flushes everything as one numbered batch.
	*clock = time.Date(2025, 12, 12, 12, 31, 10, 0, time.UTC)
	p.cycle(ctx)
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d batches, want 1", len(sender.sent))
	}
	got := sender.sent[0]
	if got.urgent {
		t.Fatal("scheduled batch flagged urgent")
	}
	if got.batch != 1 {
		t.Fatalf("batch number = %d, want 1", got.batch)
	}
	if len(got.tasks) != 2 {
		t.Fatalf("batch tasks = %d, want 2", len(got.tasks))
	}
	if len(p.pending) != 0 {
		t.Fatalf("pending not cleared: %d", len(p.pending))
	}
}

func TestUrgentBypassesWindow(t *testing.T) {
	t.Parallel()
	scraper := &fakeScraper{rows: []crm.RawRow{awaitingRow("300", false)}}
	sender := &fakeSender{}
	p, clock := newTestPoller(t, scraper, sender)
	ctx := context.Background()

	p.cycle(ctx) // first observation, held
	if len(sender.sent) != 0 {
		t.Fatal("nothing should be sent yet")
	}

	// The row turns urgent: rising edge dispatches immediately, mid-hour.
	scraper.rows[0].Urgent = true
	*clock = clock.Add(5 * time.Minute)
	p.cycle(ctx)
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d batches, want 1", len(sender.sent))
	}
	if !sender.sent[0].urgent {
		t.Fatal("urgent batch not flagged urgent")
	}
	// The escalated task left the scheduled queue.
	if len(p.pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(p.pending))
	}
}

func TestProcessingRowsAreFiltered(t *testing.T) {
	t.Parallel()
	row := awaitingRow("400", false)
	row.RowClasses = append(row.RowClasses, "bg-is_processing_by")
	scraper := &fakeScraper{rows: []crm.RawRow{row}}
	sender := &fakeSender{}
	p, clock := newTestPoller(t, scraper, sender)
	ctx := context.Background()

	p.cycle(ctx)
	if len(p.pending) != 0 {
		t.Fatalf("claimed task entered pending queue")
	}
	*clock = time.Date(2025, 12, 12, 12, 31, 0, 0, time.UTC)
	p.cycle(ctx)
	if len(sender.sent) != 0 {
		t.Fatal("claimed task was dispatched")
	}
}

func TestSendFailureKeepsTasksQueued(t *testing.T) {
	t.Parallel()
	scraper := &fakeScraper{rows: []crm.RawRow{awaitingRow("500", false)}}
	sender := &fakeSender{fail: true}
	p, clock := newTestPoller(t, scraper, sender)
	ctx := context.Background()

	*clock = time.Date(2025, 12, 12, 12, 31, 0, 0, time.UTC)
	p.cycle(ctx)
	if len(p.pending) != 1 {
		t.Fatalf("pending = %d after failed send, want 1", len(p.pending))
	}

	// Next window with a healthy channel delivers the held task.
	sender.fail = false
	*clock = time.Date(2025, 12, 12, 13, 1, 0, 0, time.UTC)
	p.cycle(ctx)
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d batches, want 1", len(sender.sent))
	}
	if len(p.pending) != 0 {
		t.Fatal("pending not cleared after successful send")
	}
}

func TestScrapeFailureSkipsCycle(t *testing.T) {
	t.Parallel()
	scraper := &fakeScraper{err: errors.New("network down")}
	sender := &fakeSender{}
	p, _ := newTestPoller(t, scraper, sender)

	p.cycle(context.Background())
	if len(sender.sent) != 0 || len(p.pending) != 0 {
		t.Fatal("failed scrape must not produce work")
	}
}

func TestDailyStatsReportAtPurgeGate(t *testing.T) {
	t.Parallel()
	scraper := &fakeScraper{}
	sender := &fakeSender{}
	p, clock := newTestPoller(t, scraper, sender)
	p.cfg.StatsCity = "Москва"
	ctx := context.Background()

	p.cycle(ctx)
	if sender.statsCalls != 0 {
		t.Fatal("stats sent before the gate crossed")
	}

	*clock = p.nextPurge.Add(time.Minute)
	p.cycle(ctx)
	if sender.statsCalls != 1 {
		t.Fatalf("stats calls = %d, want 1", sender.statsCalls)
	}
	if sender.lastCounts == nil {
		t.Fatal("stats counts not delivered")
	}

	// The gate moved forward; the next cycle must not report again.
	*clock = clock.Add(5 * time.Minute)
	p.cycle(ctx)
	if sender.statsCalls != 1 {
		t.Fatalf("stats calls = %d after gate reset, want 1", sender.statsCalls)
	}
}

func TestDailyStatsDisabledWithoutCity(t *testing.T) {
	t.Parallel()
	scraper := &fakeScraper{}
	sender := &fakeSender{}
	p, clock := newTestPoller(t, scraper, sender)

	*clock = p.nextPurge.Add(time.Minute)
	p.cycle(context.Background())
	if sender.statsCalls != 0 {
		t.Fatalf("stats calls = %d with the report disabled, want 0", sender.statsCalls)
	}
}

func TestInSendWindow(t *testing.T) {
	t.Parallel()
	p := &Poller{cfg: Config{SendMinutes: []int{1, 31}, SendTolerance: 2 * time.Minute}}

	tests := []struct {
		minute int
		want   bool
	}{
		{0, false}, {1, true}, {2, true}, {3, false},
		{30, false}, {31, true}, {32, true}, {33, false},
		{59, false},
	}
	for _, tt := range tests {
		now := time.Date(2025, 1, 1, 10, tt.minute, 0, 0, time.UTC)
		if got := p.inSendWindow(now); got != tt.want {
			t.Fatalf("inSendWindow(minute %d) = %v, want %v", tt.minute, got, tt.want)
		}
	}
}

func TestNextWakeup(t *testing.T) {
	t.Parallel()
	p := &Poller{cfg: Config{SendMinutes: []int{1, 31}, MaxSleep: 5 * time.Minute}}

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"just before mark", time.Date(2025, 1, 1, 10, 29, 0, 0, time.UTC), 2 * time.Minute},
		{"far from mark is capped", time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), 5 * time.Minute},
		{"on the mark rolls to the next one", time.Date(2025, 1, 1, 10, 31, 0, 0, time.UTC), 5 * time.Minute},
		{"sub-second gap floors to a second", time.Date(2025, 1, 1, 10, 30, 59, int(900*time.Millisecond), time.UTC), time.Second},
		{"seconds before the mark", time.Date(2025, 1, 1, 10, 30, 30, 0, time.UTC), 30 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := p.NextWakeup(tt.now); got != tt.want {
				t.Fatalf("NextWakeup = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	want := map[phase]string{
		phaseIdle:              "idle",
		phaseScraping:          "scraping",
		phaseEvaluating:        "evaluating",
		phaseDispatchUrgent:    "dispatch_urgent",
		phaseDispatchScheduled: "dispatch_scheduled",
		phaseSleeping:          "sleeping",
		phaseStopped:           "stopped",
	}
	for p, s := range want {
		if p.String() != s {
			t.Fatalf("phase %d String() = %q, want %q", int(p), p.String(), s)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	scraper := &fakeScraper{}
	sender := &fakeSender{}
	p, _ := newTestPoller(t, scraper, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if p.phase != phaseStopped {
		t.Fatalf("phase = %s, want stopped", p.phase)
	}
}
