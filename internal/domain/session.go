package domain

import "time"

// SessionRole distinguishes where the terminal the session is bound to runs.
type SessionRole string

const (
	SessionLocal SessionRole = "local"
	SessionVPS   SessionRole = "vps"
	SessionCloud SessionRole = "cloud"
)

// SessionStatus is the ConnectionSession state machine (spec §4.7).
type SessionStatus string

const (
	SessionConnecting   SessionStatus = "connecting"
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
	SessionError        SessionStatus = "error"
)

// Credentials are never serialized to the UI boundary; Sanitize() strips
// them. They may be persisted in memory (not on disk) across a transient
// disconnect when AutoReconnect is true, so login-based re-matching works.
type Credentials struct {
	Login    string
	Password string
	Server   string
}

// ConnectionSession is the SessionManager's per-account projection.
type ConnectionSession struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"accountId"`
	Platform       Platform      `json:"platform"`
	Role           SessionRole   `json:"role"`
	Status         SessionStatus `json:"status"`
	LastUpdate     time.Time     `json:"lastUpdate"`
	LastConnected  *time.Time    `json:"lastConnected,omitempty"`
	AutoReconnect  bool          `json:"autoReconnect"`
	Error          string        `json:"error,omitempty"`
	TerminalID     string        `json:"-"`
	Credentials    *Credentials  `json:"-"`
}

// SanitizedSession is the shape that may cross the UI boundary: no
// credentials, only the three fields spec §4.7 names.
type SanitizedSession struct {
	MT5Login string `json:"mt5Login,omitempty"`
	Broker   string `json:"broker,omitempty"`
	Server   string `json:"server,omitempty"`
}

// Sanitize strips credentials, exposing only login/broker/server.
func (s ConnectionSession) Sanitize(broker string) SanitizedSession {
	out := SanitizedSession{Broker: broker}
	if s.Credentials != nil {
		out.MT5Login = s.Credentials.Login
		out.Server = s.Credentials.Server
	}
	return out
}

// PersistedSession is the subset of ConnectionSession written to
// sessions.json (spec §4.7 "Persistence" — passwords never persisted).
type PersistedSession struct {
	AccountID     string      `json:"accountId"`
	Platform      Platform    `json:"platform"`
	Role          SessionRole `json:"role"`
	Login         string      `json:"login"`
	Server        string      `json:"server"`
	LastConnected *time.Time  `json:"lastConnected,omitempty"`
}

// ToPersisted projects a session down to its durable fields.
func (s ConnectionSession) ToPersisted() PersistedSession {
	p := PersistedSession{
		AccountID:     s.AccountID,
		Platform:      s.Platform,
		Role:          s.Role,
		LastConnected: s.LastConnected,
	}
	if s.Credentials != nil {
		p.Login = s.Credentials.Login
		p.Server = s.Credentials.Server
	}
	return p
}
