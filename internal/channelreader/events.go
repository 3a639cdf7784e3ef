package channelreader

import "hedgeedge/internal/domain"

// UIEventType is the closed set of events the reader surfaces upward, one
// level removed from the raw bridge taxonomy (spec §4.6.2).
type UIEventType string

const (
	UITerminalConnected UIEventType = "terminalConnected"
	UITradeHistory      UIEventType = "tradeHistory"
	UIHeartbeat         UIEventType = "heartbeat"
	UIPositionEvent     UIEventType = "positionEvent"
	UIOrderEvent        UIEventType = "orderEvent"
	UIPauseResume       UIEventType = "pauseResume"
	UIError             UIEventType = "error"
)

// UIEvent is the reader's outward-facing notification shape.
type UIEvent struct {
	Type       UIEventType
	TerminalID string
	Snapshot   *domain.AccountSnapshot
	Position   *domain.Position
	Reason     string
	Bridge     domain.Event
}
