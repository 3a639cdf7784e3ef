package domain

import "time"

// EventType enumerates the closed set of bridge events (spec §4.2).
type EventType string

const (
	EventConnected         EventType = "CONNECTED"
	EventDisconnected      EventType = "DISCONNECTED"
	EventHeartbeat         EventType = "HEARTBEAT"
	EventPositionOpened    EventType = "POSITION_OPENED"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventPositionModified  EventType = "POSITION_MODIFIED"
	EventPositionReversed  EventType = "POSITION_REVERSED"
	EventDealExecuted      EventType = "DEAL_EXECUTED"
	EventOrderPlaced       EventType = "ORDER_PLACED"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventAccountUpdate     EventType = "ACCOUNT_UPDATE"
	EventPriceUpdate       EventType = "PRICE_UPDATE"
	EventPaused            EventType = "PAUSED"
	EventResumed           EventType = "RESUMED"
)

// Entry denotes the position side of a deal/close event, mirroring the
// MT "entry" field ("IN"/"OUT") used to distinguish autonomous slave closes.
type Entry string

const (
	EntryIn  Entry = "IN"
	EntryOut Entry = "OUT"
)

// Event is the tagged variant delivered by a bridge to the ChannelReader.
// Which payload field is set depends on Type: Position for
// POSITION_OPENED/CLOSED/MODIFIED/REVERSED (events decoded from a typed wire
// frame always carry a Position, zero-valued when the frame had no data),
// Snapshot for CONNECTED/ACCOUNT_UPDATE/HEARTBEAT. Reason is optional free
// text and may be empty.
type Event struct {
	Type       EventType
	TerminalID string
	Timestamp  time.Time
	EventIndex int64
	Position   *Position
	Snapshot   *AccountSnapshot
	Entry      Entry
	Reason     string
}
