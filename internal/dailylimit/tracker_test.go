package dailylimit

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "daily.json"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func TestUpdateMetricsSeedsFirstState(t *testing.T) {
	tr := newTestTracker(t)
	state := tr.UpdateMetrics("acc1", Metrics{Balance: 1000, Equity: 1000, ServerTimeUnix: 1700000000})
	if state.DayStartBalance != 1000 {
		t.Fatalf("expected day start balance 1000, got %v", state.DayStartBalance)
	}
}

func TestCrossoverWithOpenPositionUsesHighWaterMark(t *testing.T) {
	tr := newTestTracker(t)
	day1 := int64(1700000000) // 2023-11-14
	tr.UpdateMetrics("acc1", Metrics{Balance: 1000, Equity: 1000, ServerTimeUnix: day1})

	day2 := day1 + 86400*2 // force a date change
	state := tr.UpdateMetrics("acc1", Metrics{Balance: 900, Equity: 1200, HasOpenPosition: true, ServerTimeUnix: day2})

	if !state.HadPositionAtCrossover {
		t.Fatal("expected crossover flag set")
	}
	if state.CrossoverHighWaterMark == nil || *state.CrossoverHighWaterMark != 1200 {
		t.Fatalf("expected high water mark 1200, got %v", state.CrossoverHighWaterMark)
	}
	if state.DayStartBalance != 1200 {
		t.Fatalf("expected day start balance set to high water mark, got %v", state.DayStartBalance)
	}
}

func TestCrossoverWithoutOpenPositionUsesBalance(t *testing.T) {
	tr := newTestTracker(t)
	day1 := int64(1700000000)
	tr.UpdateMetrics("acc1", Metrics{Balance: 1000, Equity: 1000, ServerTimeUnix: day1})

	day2 := day1 + 86400*2
	state := tr.UpdateMetrics("acc1", Metrics{Balance: 950, Equity: 950, HasOpenPosition: false, ServerTimeUnix: day2})

	if state.HadPositionAtCrossover {
		t.Fatal("expected crossover flag unset")
	}
	if state.DayStartBalance != 950 {
		t.Fatalf("expected day start balance set to balance, got %v", state.DayStartBalance)
	}
}

func TestCalculateDailyLimitBreach(t *testing.T) {
	tr := newTestTracker(t)
	tr.UpdateMetrics("acc1", Metrics{Balance: 1000, Equity: 1000, ServerTimeUnix: 1700000000})

	result := tr.CalculateDailyLimit("acc1", 5, Metrics{Equity: 940, ServerTimeUnix: 1700000000})
	if result.DailyLimitPnL != -50 {
		t.Fatalf("expected limit pnl -50, got %v", result.DailyLimitPnL)
	}
	if result.CurrentDayPnL != -60 {
		t.Fatalf("expected current day pnl -60, got %v", result.CurrentDayPnL)
	}
	if !result.IsLimitBreached {
		t.Fatal("expected limit breached")
	}
}

func TestBrokerDateFallsBackToServerTimeText(t *testing.T) {
	got := brokerDate(Metrics{ServerTime: "2024.03.15 10:00:00"})
	if got != "2024-03-15" {
		t.Fatalf("expected 2024-03-15, got %q", got)
	}
}
