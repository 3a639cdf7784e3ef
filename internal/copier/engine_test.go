package copier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hedgeedge/internal/domain"
)

type fakeCommander struct {
	results   map[string]domain.CommandResult
	snapshots map[string]domain.AccountSnapshot
	sent      []domain.Command
}

func (f *fakeCommander) SendCommand(ctx context.Context, terminalID string, cmd domain.Command) domain.CommandResult {
	f.sent = append(f.sent, cmd)
	if res, ok := f.results[terminalID]; ok {
		return res
	}
	return domain.Ok()
}

func (f *fakeCommander) Snapshot(terminalID string) (domain.AccountSnapshot, bool) {
	s, ok := f.snapshots[terminalID]
	return s, ok
}

func newTestEngine(t *testing.T, commander Commander) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Options{
		CorrelationsPath: filepath.Join(dir, "correlations.json"),
		GroupsPath:        filepath.Join(dir, "groups.json"),
		FollowerStatsPath: filepath.Join(dir, "follower-stats.json"),
		PersistDebounce:  10 * time.Millisecond,
	}, commander)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func testGroup() domain.CopierGroup {
	return domain.CopierGroup{
		ID: "g1", Active: true, LeaderTerminal: "leader1", LeaderAccount: "acc-leader",
		Followers: []domain.FollowerConfig{
			{ID: "f1", TerminalID: "f1", Active: true, LotMultiplier: 1.0},
		},
	}
}

func TestPositionOpenedCopiesReverseSide(t *testing.T) {
	fc := &fakeCommander{results: map[string]domain.CommandResult{"f1": {Success: true, Payload: map[string]any{"ticket": "FT1"}}}}
	e := newTestEngine(t, fc)
	e.UpsertGroup(testGroup())

	pos := domain.Position{ID: "LT1", Symbol: "EURUSD", Side: domain.SideBuy, Volume: 1.0}
	e.PositionOpened(context.Background(), "leader1", pos)

	if len(fc.sent) != 1 {
		t.Fatalf("expected exactly one copy command, got %d", len(fc.sent))
	}
	if fc.sent[0].Side != domain.SideSell {
		t.Fatalf("expected reversed side SELL, got %s", fc.sent[0].Side)
	}
	if fc.sent[0].SL != 0 || fc.sent[0].TP != 0 {
		t.Fatal("expected SL/TP forced to zero")
	}
}

func TestPositionOpenedSkipsSlaveHostedFollower(t *testing.T) {
	fc := &fakeCommander{}
	e := newTestEngine(t, fc)
	g := testGroup()
	g.Followers[0].IsSlaveTerminal = true
	e.UpsertGroup(g)

	e.PositionOpened(context.Background(), "leader1", domain.Position{ID: "LT1", Symbol: "EURUSD", Side: domain.SideBuy, Volume: 1.0})

	if len(fc.sent) != 0 {
		t.Fatalf("expected no copy for slave-hosted follower, got %d", len(fc.sent))
	}
}

func TestCircuitBreakerSkipsAfterThreshold(t *testing.T) {
	fc := &fakeCommander{results: map[string]domain.CommandResult{"f1": domain.Failure("broker rejected")}}
	e := newTestEngine(t, fc)
	e.opts.CircuitBreakerThreshold = 3
	e.UpsertGroup(testGroup())

	for i := 0; i < 3; i++ {
		e.PositionOpened(context.Background(), "leader1", domain.Position{ID: "LT", Symbol: "EURUSD", Side: domain.SideBuy, Volume: 1.0})
	}
	sentBefore := len(fc.sent)

	e.PositionOpened(context.Background(), "leader1", domain.Position{ID: "LT2", Symbol: "EURUSD", Side: domain.SideBuy, Volume: 1.0})

	if len(fc.sent) != sentBefore {
		t.Fatalf("expected circuit breaker to block the 4th attempt, sent before=%d after=%d", sentBefore, len(fc.sent))
	}
}

func TestPositionClosedCopiesCloseAndClearsCorrelation(t *testing.T) {
	fc := &fakeCommander{
		results:   map[string]domain.CommandResult{"f1": {Success: true, Payload: map[string]any{"ticket": "FT1"}}},
		snapshots: map[string]domain.AccountSnapshot{"f1": {Positions: []domain.Position{{ID: "FT1", Profit: 5, Swap: -1, Commission: -0.5}}}},
	}
	e := newTestEngine(t, fc)
	e.UpsertGroup(testGroup())

	e.PositionOpened(context.Background(), "leader1", domain.Position{ID: "LT1", Symbol: "EURUSD", Side: domain.SideBuy, Volume: 1.0})

	e.PositionClosed(context.Background(), "leader1", domain.Event{
		Type: domain.EventPositionClosed, Position: &domain.Position{ID: "LT1"},
	})

	found := false
	for _, cmd := range fc.sent {
		if cmd.Action == domain.CmdClosePosition && cmd.PositionID == "FT1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a CLOSE_POSITION command against the correlated follower ticket")
	}

	e.corrMu.Lock()
	_, stillThere := e.correlations["LT1"]
	e.corrMu.Unlock()
	if stillThere {
		t.Fatal("expected correlation entry removed after close")
	}
}
