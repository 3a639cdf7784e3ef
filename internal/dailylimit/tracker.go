// Package dailylimit tracks each account's balance at the start of its
// broker server day and computes drawdown against a configured daily loss
// limit. Grounded on the teacher's internal/risk.Manager day-boundary and
// limit-breach bookkeeping, re-targeted from an intraday risk engine to a
// per-account broker-day tracker keyed off terminal-reported server time.
package dailylimit

import (
	"strings"
	"time"

	"hedgeedge/internal/domain"
	"hedgeedge/internal/persistence"
)

// Metrics is the subset of an account snapshot the tracker needs per
// update call.
type Metrics struct {
	Balance        float64
	Equity         float64
	HasOpenPosition bool
	ServerTimeUnix int64
	ServerTime     string // "YYYY.MM.DD HH:MM:SS" (MT convention)
}

// LimitResult is calculateDailyLimit's return shape (spec §4.9).
type LimitResult struct {
	ReferenceBalance       float64
	DailyLimitPnL          float64
	CurrentDayPnL          float64
	RemainingDailyDrawdown float64
	IsLimitBreached        bool
	TradingDate            string
}

// Tracker holds one DailyAccountState per account, debounced to disk.
type Tracker struct {
	store *persistence.Store[map[string]domain.DailyAccountState]
}

// New loads any persisted daily states from path.
func New(path string, debounce time.Duration) (*Tracker, error) {
	store, err := persistence.NewStore[map[string]domain.DailyAccountState](path, debounce)
	if err != nil {
		return nil, err
	}
	if store.Get() == nil {
		store.Set(make(map[string]domain.DailyAccountState))
	}
	return &Tracker{store: store}, nil
}

// brokerDate derives YYYY-MM-DD from the metrics' server time, preferring
// the unix timestamp, falling back to the MT text format, then local date
// (spec §4.9).
func brokerDate(m Metrics) string {
	if m.ServerTimeUnix > 0 {
		return time.Unix(m.ServerTimeUnix, 0).UTC().Format("2006-01-02")
	}
	if m.ServerTime != "" {
		datePart := strings.SplitN(m.ServerTime, " ", 2)[0]
		datePart = strings.ReplaceAll(datePart, ".", "-")
		if _, err := time.Parse("2006-01-02", datePart); err == nil {
			return datePart
		}
	}
	return time.Now().Format("2006-01-02")
}

// UpdateMetrics seeds or rolls a DailyAccountState forward, applying the day
// crossover rule when the broker date advances (spec §4.9).
func (t *Tracker) UpdateMetrics(accountID string, m Metrics) domain.DailyAccountState {
	date := brokerDate(m)

	return t.store.Update(func(states map[string]domain.DailyAccountState) map[string]domain.DailyAccountState {
		if states == nil {
			states = make(map[string]domain.DailyAccountState)
		}
		state, exists := states[accountID]
		if !exists {
			state = domain.DailyAccountState{
				AccountID: accountID, DayStartBalance: m.Balance, DayStartEquity: m.Equity,
				DayStartDate: date, LastEODTimestamp: time.Now(),
			}
			states[accountID] = state
			return states
		}

		if state.DayStartDate != date {
			hwm := maxFloat(m.Equity, m.Balance)
			if m.HasOpenPosition {
				state.DayStartBalance = hwm
				state.HadPositionAtCrossover = true
				state.CrossoverHighWaterMark = &hwm
			} else {
				state.DayStartBalance = m.Balance
				state.HadPositionAtCrossover = false
				state.CrossoverHighWaterMark = nil
			}
			state.DayStartDate = date
		}
		state.LastEODTimestamp = time.Now()
		states[accountID] = state
		return states
	})[accountID]
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// CalculateDailyLimit computes the current drawdown against maxLossPct
// (spec §4.9). Reference is the crossover high-water mark if one was
// captured this trading day, else the plain day-start balance.
func (t *Tracker) CalculateDailyLimit(accountID string, maxLossPct float64, m Metrics) LimitResult {
	state, ok := t.store.Get()[accountID]
	if !ok {
		state = t.UpdateMetrics(accountID, m)
	}

	ref := state.DayStartBalance
	if state.CrossoverHighWaterMark != nil {
		ref = *state.CrossoverHighWaterMark
	}

	limitPnL := -maxLossPct / 100 * ref
	currentPnL := m.Equity - ref
	return LimitResult{
		ReferenceBalance:       ref,
		DailyLimitPnL:          limitPnL,
		CurrentDayPnL:          currentPnL,
		RemainingDailyDrawdown: currentPnL - limitPnL,
		IsLimitBreached:        currentPnL <= limitPnL,
		TradingDate:            state.DayStartDate,
	}
}

// Close flushes pending persistence.
func (t *Tracker) Close() {
	t.store.Close()
}
