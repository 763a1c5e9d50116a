package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crmbot/internal/task"
	kit "crmbot/internal/transport"
	logx "crmbot/pkg/logx"
)

type fakeAdapter struct {
	failures int
	calls    int
	lastText string
	lastOpt  kit.SendOptions
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.calls++
	f.lastText = text
	if opt != nil {
		f.lastOpt = *opt
	}
	if f.failures > 0 {
		f.failures--
		return kit.MessageRef{}, errors.New("flood control")
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func TestFormatBatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		tasks  []task.Task
		batch  int64
		urgent bool
		want   string
	}{
		{
			name:  "single scheduled task",
			tasks: []task.Task{{ID: 12345, ScheduledTime: "2025-12-12 19:00"}},
			batch: 7,
			want:  "#7\n\n`12345` (2025-12-12 19:00)",
		},
		{
			name: "urgent header gets a warning mark",
			tasks: []task.Task{
				{ID: 1, ScheduledTime: "2025-12-12 19:00"},
				{ID: 2, ScheduledTime: "2025-12-13 09:30"},
			},
			batch:  42,
			urgent: true,
			want:   "#42 ⚠\n\n`1` (2025-12-12 19:00)\n`2` (2025-12-13 09:30)",
		},
		{
			name:  "unresolved schedule renders id only",
			tasks: []task.Task{{ID: 99}},
			batch: 3,
			want:  "#3\n\n`99`",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatBatch(tt.tasks, tt.batch, tt.urgent); got != tt.want {
				t.Fatalf("FormatBatch = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDailyStats(t *testing.T) {
	t.Parallel()
	counts := map[int]int64{8: 1, 9: 2, 7: 5}
	got := FormatDailyStats(counts, "Тест", 8)

	lines := strings.Split(got, "\n")
	if len(lines) != 27 {
		t.Fatalf("lines = %d, want 27", len(lines))
	}
	if lines[0] != "Статистика отправок (по Тест), шкала с 8:00" {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "08: 1" || lines[2] != "09: 2" {
		t.Fatalf("scale start = %q, %q", lines[1], lines[2])
	}
	// The scale wraps: hour 7 is the last entry.
	if lines[24] != "07: 5" {
		t.Fatalf("scale end = %q", lines[24])
	}
	if lines[25] != "" {
		t.Fatalf("separator = %q", lines[25])
	}
	if lines[26] != "Отправлено за последние 24 часа: 8" {
		t.Fatalf("total = %q", lines[26])
	}
}

func TestSendDailyStatsIsSilentText(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(Config{ChatID: 42, RatePerSec: 100}, ad, logx.Nop())

	if err := svc.SendDailyStats(context.Background(), map[int]int64{8: 3}); err != nil {
		t.Fatalf("SendDailyStats: %v", err)
	}
	if ad.calls != 1 {
		t.Fatalf("adapter calls = %d, want 1", ad.calls)
	}
	if !ad.lastOpt.Silent {
		t.Fatal("stats report must be silent")
	}
	if ad.lastOpt.ParseMode != "" {
		t.Fatalf("ParseMode = %q, want plain text", ad.lastOpt.ParseMode)
	}
	if !strings.Contains(ad.lastText, DefaultStatsCity) {
		t.Fatalf("report missing default city: %q", ad.lastText)
	}
}

func TestSendBatchOptions(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(Config{ChatID: 42, RatePerSec: 100}, ad, logx.Nop())
	tasks := []task.Task{{ID: 1, ScheduledTime: "2025-12-12 19:00"}}

	if err := svc.SendBatch(context.Background(), tasks, 1, false); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if !ad.lastOpt.Silent {
		t.Fatal("scheduled batch must be silent")
	}
	if ad.lastOpt.ParseMode != "Markdown" {
		t.Fatalf("ParseMode = %q", ad.lastOpt.ParseMode)
	}

	if err := svc.SendBatch(context.Background(), tasks, 2, true); err != nil {
		t.Fatalf("SendBatch urgent: %v", err)
	}
	if ad.lastOpt.Silent {
		t.Fatal("urgent batch must not be silent")
	}
}

func TestSendBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(Config{ChatID: 42, RatePerSec: 100}, ad, logx.Nop())
	if err := svc.SendBatch(context.Background(), nil, 1, false); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if ad.calls != 0 {
		t.Fatalf("adapter called %d times for empty batch", ad.calls)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 2}
	svc := New(Config{ChatID: 42, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond}, ad, logx.Nop())

	err := svc.SendBatch(context.Background(), []task.Task{{ID: 1}}, 1, false)
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if ad.calls != 3 {
		t.Fatalf("adapter calls = %d, want 3", ad.calls)
	}
}

func TestSendGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 10}
	svc := New(Config{ChatID: 42, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond}, ad, logx.Nop())

	err := svc.SendBatch(context.Background(), []task.Task{{ID: 1}}, 1, false)
	if err == nil {
		t.Fatal("expected error after retry budget exhausted")
	}
	if ad.calls != 3 {
		t.Fatalf("adapter calls = %d, want 3", ad.calls)
	}
}

func TestSendStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 10}
	svc := New(Config{ChatID: 42, RatePerSec: 100, RetryMax: 5, RetryBase: time.Hour}, ad, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.SendBatch(ctx, []task.Task{{ID: 1}}, 1, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
