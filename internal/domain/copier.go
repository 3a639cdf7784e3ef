package domain

import "time"

// CorrelationEntry maps one leader ticket to one follower's mirrored ticket.
// Keyed by LeaderTicket; one entry per (leader, follower) pair.
type CorrelationEntry struct {
	LeaderTicket     string    `json:"leaderTicket"`
	FollowerTicket   string    `json:"followerTicket"`
	FollowerID       string    `json:"followerId"`
	FollowerAccount  string    `json:"followerAccountId"`
	GroupID          string    `json:"groupId"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Volume           float64   `json:"volume"`
	OpenTime         time.Time `json:"openTime"`
}

// SymbolAlias maps a leader-side symbol (after suffix stripping) to the
// exact follower-side symbol, bypassing the default suffix rule.
type SymbolAlias struct {
	LeaderSymbol string `json:"leaderSymbol"`
	SlaveSymbol  string `json:"slaveSymbol"`
}

// FollowerStats are rolling per-follower counters (spec §4.8 "Stats").
type FollowerStats struct {
	TradesTotal     int       `json:"tradesTotal"`
	TradesToday     int       `json:"tradesToday"`
	FailedCopies    int       `json:"failedCopies"`
	AvgLatencyMs    float64   `json:"avgLatencyMs"`
	SuccessRate     float64   `json:"successRate"`
	TotalProfit     float64   `json:"totalProfit"`
	LastTradeAt     time.Time `json:"lastTradeAt,omitempty"`
}

// FollowerConfig is one leg of a CopierGroup.
type FollowerConfig struct {
	ID                     string         `json:"id"`
	AccountID              string         `json:"accountId"`
	TerminalID             string         `json:"terminalId"`
	IsSlaveTerminal        bool           `json:"isSlaveTerminal"`
	Active                 bool           `json:"active"`
	LotMultiplier          float64        `json:"lotMultiplier"`
	ReverseMode            bool           `json:"reverseMode"` // always true, enforced
	SymbolWhitelist        []string       `json:"symbolWhitelist,omitempty"`
	SymbolBlacklist        []string       `json:"symbolBlacklist,omitempty"`
	SymbolAliases          []SymbolAlias  `json:"symbolAliases,omitempty"`
	SymbolSuffix           string         `json:"symbolSuffix,omitempty"`
	MagicNumberWhitelist   []int          `json:"magicNumberWhitelist,omitempty"`
	MagicNumberBlacklist   []int          `json:"magicNumberBlacklist,omitempty"`
	ConsecutiveFailures    int            `json:"-"`
	Stats                  FollowerStats  `json:"stats"`
}

// CopierGroup is one leader with many followers.
type CopierGroup struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Active         bool             `json:"active"`
	LeaderTerminal string           `json:"leaderTerminalId"`
	LeaderAccount  string           `json:"leaderAccountId"`
	LeaderSuffix   string           `json:"leaderSuffix,omitempty"`
	Followers      []FollowerConfig `json:"followers"`
}

// ActivityType is the closed set of activity-log entry kinds.
type ActivityType string

const (
	ActivityOpen   ActivityType = "open"
	ActivityClose  ActivityType = "close"
	ActivityModify ActivityType = "modify"
	ActivityError  ActivityType = "error"
)

// ActivityEntry is one row of the 500-capacity ring buffer.
type ActivityEntry struct {
	ID           string       `json:"id"`
	GroupID      string       `json:"groupId"`
	FollowerID   string       `json:"followerId"`
	Timestamp    time.Time    `json:"timestamp"`
	Type         ActivityType `json:"type"`
	Symbol       string       `json:"symbol"`
	Action       string       `json:"action"`
	Volume       float64      `json:"volume"`
	Price        float64      `json:"price"`
	LatencyMs    int64        `json:"latency"`
	Status       string       `json:"status"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// DailyAccountState is the DailyLimitTracker's per-account day-start record.
type DailyAccountState struct {
	AccountID              string     `json:"accountId"`
	DayStartBalance        float64    `json:"dayStartBalance"`
	DayStartEquity         float64    `json:"dayStartEquity"`
	DayStartDate           string     `json:"dayStartDate"` // YYYY-MM-DD in broker-server terms
	LastEODTimestamp       time.Time  `json:"lastEodTimestamp"`
	CrossoverHighWaterMark *float64   `json:"crossoverHighWaterMark,omitempty"`
	HadPositionAtCrossover bool       `json:"hadPositionAtCrossover"`
}
