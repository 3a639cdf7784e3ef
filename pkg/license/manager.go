package license

import (
	"fmt"
	"time"
)

// Manager issues and validates licenseHint tokens bound to the current
// machine id. IssueHint supplies ControlServer's outbound licenseHint field;
// Validate checks a hint locally and offline. AccountSnapshot.isLicenseValid
// is read from the terminal's own reports, not computed here. The external
// license-validation HTTP service remains an out-of-scope collaborator
// (spec §1 "out of scope") — Manager never calls out to it.
type Manager struct {
	Secret string
}

func NewManager(secret string) *Manager {
	return &Manager{Secret: secret}
}

// IssueHint mints a short-lived token binding the current machine id, used
// as ControlServer's outbound licenseHint (spec §4.5 "ENABLE" frame).
func (m *Manager) IssueHint(ttl time.Duration) (string, error) {
	mid, err := MachineID()
	if err != nil {
		return "", fmt.Errorf("machine id: %w", err)
	}
	return CreateToken(m.Secret, mid, ttl)
}

// Validate reports whether hint is a well-formed, unexpired token bound to
// this machine. A false result comes with a reason string, which also
// covers the case where the machine id could not be read.
func (m *Manager) Validate(hint string) (bool, string) {
	mid, err := MachineID()
	if err != nil {
		return false, fmt.Sprintf("machine id: %v", err)
	}
	claims, err := ParseToken(m.Secret, hint)
	if err != nil {
		return false, fmt.Sprintf("parse token: %v", err)
	}
	if claims.Machine != mid {
		return false, "license machine mismatch"
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return false, "license expired"
	}
	return true, ""
}
