package zmqbridge

import (
	"testing"
	"time"

	"hedgeedge/internal/domain"
)

func TestDiffPositionsOpenedAndClosed(t *testing.T) {
	prev := []domain.Position{
		{ID: "1", Symbol: "EURUSD"},
		{ID: "2", Symbol: "GBPUSD", Profit: 10, Swap: -1, Commission: -0.5},
	}
	cur := []domain.Position{
		{ID: "1", Symbol: "EURUSD"},
		{ID: "3", Symbol: "USDJPY"},
	}

	opened, closed := diffPositions(prev, cur)
	if len(opened) != 1 || opened[0].ID != "3" {
		t.Fatalf("expected only id 3 opened, got %+v", opened)
	}
	if len(closed) != 1 || closed[0].ID != "2" {
		t.Fatalf("expected only id 2 closed, got %+v", closed)
	}
}

func TestDiffToEventsClosedCarriesNetProfit(t *testing.T) {
	prev := []domain.Position{{ID: "1", Profit: 10, Swap: -2, Commission: -1}}
	cur := []domain.Position{}
	ts := time.Now()

	events := diffToEvents("terminal-1", prev, cur, ts)
	if len(events) != 1 {
		t.Fatalf("expected 1 synthetic event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != domain.EventPositionClosed {
		t.Fatalf("expected POSITION_CLOSED, got %s", ev.Type)
	}
	if ev.Position.Profit != 7 {
		t.Fatalf("expected netted profit 7, got %v", ev.Position.Profit)
	}
	if !ev.Timestamp.Equal(ts) {
		t.Fatalf("expected synthetic close timestamped at diff time")
	}
}

func TestDiffToEventsOrdersClosedBeforeOpened(t *testing.T) {
	prev := []domain.Position{{ID: "1", Symbol: "EURUSD"}}
	cur := []domain.Position{{ID: "2", Symbol: "GBPUSD"}}
	ts := time.Now()

	events := diffToEvents("terminal-1", prev, cur, ts)
	if len(events) != 2 {
		t.Fatalf("expected 2 synthetic events, got %d", len(events))
	}
	if events[0].Type != domain.EventPositionClosed {
		t.Fatalf("expected POSITION_CLOSED first, got %s", events[0].Type)
	}
	if events[1].Type != domain.EventPositionOpened {
		t.Fatalf("expected POSITION_OPENED second, got %s", events[1].Type)
	}
}

func TestDiffToEventsNoChangeProducesNothing(t *testing.T) {
	same := []domain.Position{{ID: "1"}}
	events := diffToEvents("terminal-1", same, same, time.Now())
	if len(events) != 0 {
		t.Fatalf("expected no synthetic events for unchanged positions, got %d", len(events))
	}
}
