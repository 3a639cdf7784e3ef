// Package session tracks per-account ConnectionSessions: status machine,
// sanitization, deduplication and durable persistence of the non-sensitive
// projection. Grounded on the teacher's internal/state.Manager in-memory
// map-plus-persistence shape, generalized from a symbol→position cache to
// a sessionId→session cache with an explicit status machine.
package session

import (
	"sync"
	"time"

	"hedgeedge/internal/domain"
	"hedgeedge/internal/persistence"
)

// Manager holds live ConnectionSessions keyed by session ID, debounced to
// disk via persistence.Store.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]domain.ConnectionSession

	store *persistence.Store[map[string]domain.PersistedSession]
}

// New loads any persisted sessions from path and starts the debounced
// writer (spec §4.7 "Persistence").
func New(path string, debounce time.Duration) (*Manager, error) {
	store, err := persistence.NewStore[map[string]domain.PersistedSession](path, debounce)
	if err != nil {
		return nil, err
	}
	m := &Manager{sessions: make(map[string]domain.ConnectionSession), store: store}
	for id, p := range store.Get() {
		m.sessions[id] = domain.ConnectionSession{
			ID: id, AccountID: p.AccountID, Platform: p.Platform, Role: p.Role,
			Status: domain.SessionDisconnected, LastConnected: p.LastConnected,
			Credentials: &domain.Credentials{Login: p.Login, Server: p.Server},
		}
	}
	return m, nil
}

// Connect creates or re-activates a session in the `connecting` state (spec
// §4.7 status machine).
func (m *Manager) Connect(id string, accountID string, platform domain.Platform, role domain.SessionRole, creds domain.Credentials, autoReconnect bool, terminalID string) domain.ConnectionSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dedupeAutoEntryLocked(id, creds.Login)

	s := domain.ConnectionSession{
		ID: id, AccountID: accountID, Platform: platform, Role: role,
		Status: domain.SessionConnecting, LastUpdate: time.Now(), AutoReconnect: autoReconnect,
		TerminalID: terminalID, Credentials: &creds,
	}
	m.sessions[id] = s
	return s
}

// dedupeAutoEntryLocked removes every other local-role session whose stored
// login equals the login of the session being created (spec §4.7
// "Deduplication"). Sessions carry no auto-discovered marker, so a matching
// local session is removed whether or not it was auto-created.
// Caller must hold m.mu.
func (m *Manager) dedupeAutoEntryLocked(newID, login string) {
	if login == "" {
		return
	}
	for id, s := range m.sessions {
		if id == newID || s.Role != domain.SessionLocal {
			continue
		}
		if s.Credentials != nil && s.Credentials.Login == login {
			delete(m.sessions, id)
		}
	}
}

// MarkConnected transitions connecting→connected on first successful
// metric exchange.
func (m *Manager) MarkConnected(id string) {
	m.transition(id, func(s *domain.ConnectionSession) {
		if s.Status == domain.SessionConnecting || s.Status == domain.SessionDisconnected {
			s.Status = domain.SessionConnected
			now := time.Now()
			s.LastConnected = &now
			s.Error = ""
		}
	})
	m.persist()
}

// MarkDisconnected transitions connected→disconnected on bridge-alive
// failure or a confirmed heartbeat-gap breach. Credentials are preserved
// iff AutoReconnect is set, so a later login match can re-attach.
func (m *Manager) MarkDisconnected(id string) {
	m.transition(id, func(s *domain.ConnectionSession) {
		s.Status = domain.SessionDisconnected
		if !s.AutoReconnect {
			s.Credentials = nil
		}
	})
	m.persist()
}

// MarkError transitions to the error state on an explicit transport error.
func (m *Manager) MarkError(id, reason string) {
	m.transition(id, func(s *domain.ConnectionSession) {
		s.Status = domain.SessionError
		s.Error = reason
	})
}

// ArchiveDisconnect removes the session permanently; no auto-reconnect
// retry will ever match it again (spec §4.7 "* → removed").
func (m *Manager) ArchiveDisconnect(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) transition(id string, fn func(*domain.ConnectionSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	fn(&s)
	s.LastUpdate = time.Now()
	m.sessions[id] = s
}

// MatchForReconnect finds a disconnected session whose stored login matches
// a live snapshot's account, the lookup HostGlue's discovery timer uses to
// attempt auto-reconnect (spec §4.10).
func (m *Manager) MatchForReconnect(login string) (domain.ConnectionSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Status != domain.SessionDisconnected || s.Credentials == nil {
			continue
		}
		if s.Credentials.Login == login {
			return s, true
		}
	}
	return domain.ConnectionSession{}, false
}

// Get returns a session by id.
func (m *Manager) Get(id string) (domain.ConnectionSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// All returns a snapshot of every session keyed by id.
func (m *Manager) All() map[string]domain.ConnectionSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.ConnectionSession, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s
	}
	return out
}

// ConnectedIDs lists session ids currently in the connected state, the
// health-check timer's iteration target (spec §4.10).
func (m *Manager) ConnectedIDs() []string {
	return m.idsWithStatus(domain.SessionConnected)
}

// DisconnectedIDs lists session ids currently in the disconnected state, the
// discovery timer's reconnect-attempt target (spec §4.10).
func (m *Manager) DisconnectedIDs() []string {
	return m.idsWithStatus(domain.SessionDisconnected)
}

func (m *Manager) idsWithStatus(status domain.SessionStatus) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sanitized returns every session's UI-safe projection.
func (m *Manager) Sanitized(brokerByID map[string]string) map[string]domain.SanitizedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.SanitizedSession, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.Sanitize(brokerByID[id])
	}
	return out
}

func (m *Manager) persist() {
	m.mu.RLock()
	snapshot := make(map[string]domain.PersistedSession, len(m.sessions))
	for id, s := range m.sessions {
		snapshot[id] = s.ToPersisted()
	}
	m.mu.RUnlock()
	m.store.Set(snapshot)
}

// Close flushes pending persistence and stops the debounce timer.
func (m *Manager) Close() {
	m.store.Close()
}
