package portmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
	"unicode/utf16"

	"hedgeedge/internal/domain"
)

// StaleAge is the threshold past which a registration file is considered
// stale regardless of port liveness (spec §4.1).
const StaleAge = 5 * time.Minute

// ValidationStatus classifies a registration during validateRegistrations.
type ValidationStatus string

const (
	RegistrationAlive ValidationStatus = "alive"
	RegistrationStale ValidationStatus = "stale"
)

// ValidationResult is one registration's outcome.
type ValidationResult struct {
	Registration domain.EARegistration
	Status       ValidationStatus
	Warning      string
}

// LoadRegistrations reads every *.json file in dir, decoding each through
// DecodeRegistrationFile so UTF-16/BOM/embedded-NUL variants all parse.
// Malformed files are skipped (spec §7 "Configuration" error kind) — never
// abort the directory scan over one bad file.
func LoadRegistrations(dir string) ([]domain.EARegistration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []domain.EARegistration
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		reg, err := DecodeRegistrationFile(path)
		if err != nil {
			continue
		}
		reg.SourcePath = path
		reg.ModTime = info.ModTime()
		out = append(out, reg)
	}
	return out, nil
}

// DecodeRegistrationFile reads and decodes one registration file, accepting
// UTF-8 (with or without BOM), UTF-16LE and UTF-16BE, and stripping embedded
// NUL bytes (spec §6.1).
func DecodeRegistrationFile(path string) (domain.EARegistration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.EARegistration{}, err
	}
	decoded := decodeText(raw)
	var reg domain.EARegistration
	if err := json.Unmarshal(decoded, &reg); err != nil {
		return domain.EARegistration{}, err
	}
	return reg, nil
}

func decodeText(raw []byte) []byte {
	switch {
	case len(raw) >= 3 && raw[0] == 0xEF && raw[1] == 0xBB && raw[2] == 0xBF:
		raw = raw[3:]
	case len(raw) >= 2 && raw[0] == 0xFF && raw[1] == 0xFE:
		return utf16ToUTF8(raw[2:], false)
	case len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF:
		return utf16ToUTF8(raw[2:], true)
	}
	return bytes.ReplaceAll(raw, []byte{0}, nil)
}

func utf16ToUTF8(b []byte, bigEndian bool) []byte {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		if bigEndian {
			u16 = append(u16, uint16(b[i])<<8|uint16(b[i+1]))
		} else {
			u16 = append(u16, uint16(b[i+1])<<8|uint16(b[i]))
		}
	}
	runes := utf16.Decode(u16)
	return bytes.ReplaceAll([]byte(string(runes)), []byte{0}, nil)
}

// ValidateRegistrations classifies each registration as alive or stale by
// mtime and a TCP probe of its data (master) or command (slave) port.
// Non-adjacent data/command pairs are accepted with a warning, not rejected
// (spec §4.1, Open Question: whether to hard-error in a strict mode is
// unspecified — we accept-with-warning).
func (m *Manager) ValidateRegistrations(ctx context.Context, regs []domain.EARegistration, host string) []ValidationResult {
	out := make([]ValidationResult, 0, len(regs))
	for _, reg := range regs {
		res := ValidationResult{Registration: reg}
		if err := reg.Validate(); err != nil {
			res.Warning = err.Error()
		}
		probePort := reg.CommandPort
		if reg.IsMaster() {
			probePort = reg.DataPort
		}
		age := time.Since(reg.ModTime)
		alive := m.TCPProbe(ctx, probePort, host)
		if age > StaleAge && !alive {
			res.Status = RegistrationStale
		} else {
			res.Status = RegistrationAlive
		}
		if reg.IsMaster() && reg.CommandPort != reg.DataPort+1 {
			res.Warning = "data/command ports are not adjacent"
		}
		out = append(out, res)
	}
	return out
}

// CleanStaleRegistrations deletes registration files that are both stale and
// dead (TCP probe fails). File-read errors are swallowed (spec §4.1).
func (m *Manager) CleanStaleRegistrations(ctx context.Context, dir, host string) int {
	regs, err := LoadRegistrations(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, res := range m.ValidateRegistrations(ctx, regs, host) {
		if res.Status != RegistrationStale {
			continue
		}
		if err := os.Remove(res.Registration.SourcePath); err == nil {
			removed++
		}
	}
	return removed
}
