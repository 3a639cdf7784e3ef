// Package domain holds the wire- and cache-level types shared by every
// transport, the session manager and the copier engine: positions, account
// snapshots, registrations, sessions, correlations and copier configuration.
package domain

import "time"

// Side is the direction of a position or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reversed side, used by the copier's reverse-hedge rule.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Platform identifies the terminal family a session/snapshot came from.
type Platform string

const (
	PlatformMT Platform = "MT"
	PlatformCT Platform = "CT"
)

// Position is the canonical open-trade shape shared by both transports.
// It is immutable on open; CurrentPrice/Profit/Swap/Commission mutate as
// later snapshots and heartbeats arrive.
type Position struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	VolumeLots   float64   `json:"volumeLots"`
	EntryPrice   float64   `json:"entryPrice"`
	CurrentPrice float64   `json:"currentPrice"`
	StopLoss     *float64  `json:"stopLoss,omitempty"`
	TakeProfit   *float64  `json:"takeProfit,omitempty"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	Commission   float64   `json:"commission"`
	OpenTime     time.Time `json:"openTime"`
	Comment      string    `json:"comment,omitempty"`
	Digits       *int      `json:"digits,omitempty"`
	Magic        int       `json:"magic,omitempty"`
}

// NetProfit is the realized/floating P/L inclusive of swap and commission,
// the composite figure the spec uses whenever a position is closed or
// synthesized from a diff (spec §4.2 "Diff-to-events", §4.8 close handling).
func (p Position) NetProfit() float64 {
	return p.Profit + p.Swap + p.Commission
}
