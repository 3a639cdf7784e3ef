package zmqbridge

import (
	"bytes"
	"encoding/json"
	"time"

	"hedgeedge/internal/domain"
)

// topicPrefixes are the SUB-socket subscription prefixes (spec §4.2). The
// empty string is the legacy catch-all subscription.
var topicPrefixes = []string{"EVENT|", "SNAPSHOT|", ""}

// wireEnvelope is the JSON shape carried after the topic prefix.
type wireEnvelope struct {
	Type       string          `json:"type"`
	EventIndex int64           `json:"eventIndex,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Platform   domain.Platform `json:"platform"`
	AccountID  string          `json:"accountId"`
	Data       json.RawMessage `json:"data,omitempty"`

	// Legacy SNAPSHOT frames carry account fields at top level instead of
	// nested under Data (spec §4.2 "Legacy normalization").
	Balance        float64          `json:"balance,omitempty"`
	Equity         float64          `json:"equity,omitempty"`
	Margin         float64          `json:"margin,omitempty"`
	FreeMargin     float64          `json:"freeMargin,omitempty"`
	FloatingPnL    float64          `json:"floatingPnL,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	Leverage       int              `json:"leverage,omitempty"`
	Broker         string           `json:"broker,omitempty"`
	Server         string           `json:"server,omitempty"`
	IsLicenseValid bool             `json:"isLicenseValid,omitempty"`
	IsPaused       bool             `json:"isPaused,omitempty"`
	LastError      string           `json:"lastError,omitempty"`
	Positions      []domain.Position `json:"positions,omitempty"`
	ServerTime     string           `json:"serverTime,omitempty"`
	ServerTimeUnix int64            `json:"serverTimeUnix,omitempty"`
	EventDriven    bool             `json:"eventDriven,omitempty"`
}

// parseFrame splits a raw SUB frame into its topic and JSON body. A frame
// matches ^(EVENT|SNAPSHOT)\|<json>$ or is bare JSON (spec §6.2). The
// separator is looked for within the first 20 bytes only, matching the
// spec's framing rule, so a JSON body that happens to contain '|' later on
// is never mistaken for a topic delimiter.
func parseFrame(raw []byte) (topic string, body []byte) {
	limit := len(raw)
	if limit > 20 {
		limit = 20
	}
	if idx := bytes.IndexByte(raw[:limit], '|'); idx >= 0 {
		return string(raw[:idx]), raw[idx+1:]
	}
	return "", raw
}

func decodeEnvelope(raw []byte) (wireEnvelope, error) {
	_, body := parseFrame(raw)
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return wireEnvelope{}, err
	}
	return env, nil
}

// legacySnapshotToAccountSnapshot builds an AccountSnapshot from a legacy
// top-level SNAPSHOT envelope.
func legacySnapshotToAccountSnapshot(env wireEnvelope) domain.AccountSnapshot {
	snap := domain.AccountSnapshot{
		Timestamp:      env.Timestamp,
		Platform:       env.Platform,
		AccountID:      env.AccountID,
		Broker:         env.Broker,
		Server:         env.Server,
		Balance:        env.Balance,
		Margin:         env.Margin,
		FreeMargin:     env.FreeMargin,
		FloatingPnL:    env.FloatingPnL,
		Currency:       env.Currency,
		Leverage:       env.Leverage,
		IsLicenseValid: env.IsLicenseValid,
		IsPaused:       env.IsPaused,
		LastError:      env.LastError,
		Positions:      env.Positions,
		ServerTime:     env.ServerTime,
		ServerTimeUnix: env.ServerTimeUnix,
		Status:         domain.StatusConnected,
	}
	snap.Normalize()
	return snap
}
