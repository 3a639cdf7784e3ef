package zmqbridge

import (
	"time"

	"hedgeedge/internal/domain"
)

// diffPositions compares a previous and current position set by ID and
// synthesizes the POSITION_OPENED/POSITION_CLOSED events a legacy
// (non-eventDriven) peer never sends itself (spec §4.2 "Diff-to-events").
// Callers skip this entirely for eventDriven=true peers, which already emit
// explicit lifecycle events.
func diffPositions(prev, cur []domain.Position) (opened, closed []domain.Position) {
	prevByID := make(map[string]domain.Position, len(prev))
	for _, p := range prev {
		prevByID[p.ID] = p
	}
	curByID := make(map[string]domain.Position, len(cur))
	for _, p := range cur {
		curByID[p.ID] = p
	}

	for id, p := range curByID {
		if _, ok := prevByID[id]; !ok {
			opened = append(opened, p)
		}
	}
	for id, p := range prevByID {
		if _, ok := curByID[id]; !ok {
			closed = append(closed, p)
		}
	}
	return opened, closed
}

// diffToEvents turns a diff into the synthetic domain.Event list for a given
// terminal. Opened events are stamped at the position's own OpenTime; closed
// events carry no authoritative close time from the wire (the position
// simply stopped appearing), so they're stamped at ts, the moment the diff
// was observed (spec §3 "Event").
func diffToEvents(terminalID string, prev, cur []domain.Position, ts time.Time) []domain.Event {
	opened, closed := diffPositions(prev, cur)
	events := make([]domain.Event, 0, len(opened)+len(closed))
	// Closed events are emitted before opened ones: a leader that closes and
	// reopens a ticket within one poll interval must be seen in that order
	// (spec §8 boundary scenario 4).
	for i := range closed {
		p := closed[i]
		// NetProfit folds swap/commission into the realized result the
		// synthetic close event reports, matching what an explicit
		// POSITION_CLOSED frame would have carried.
		p.Profit = p.NetProfit()
		events = append(events, domain.Event{
			Type:       domain.EventPositionClosed,
			TerminalID: terminalID,
			Timestamp:  ts,
			Position:   &p,
		})
	}
	for i := range opened {
		p := opened[i]
		events = append(events, domain.Event{
			Type:       domain.EventPositionOpened,
			TerminalID: terminalID,
			Timestamp:  p.OpenTime,
			Position:   &p,
		})
	}
	return events
}
