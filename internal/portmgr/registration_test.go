package portmgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hedgeedge/internal/domain"
)

func TestDecodeRegistrationFileBOMVariants(t *testing.T) {
	reg := domain.EARegistration{
		Login:       "12345",
		Broker:      "TestBroker",
		DataPort:    51810,
		CommandPort: 51811,
		Role:        domain.RoleMaster,
	}
	plain, err := json.Marshal(reg)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	cases := map[string][]byte{
		"plain.json":     plain,
		"utf8bom.json":   append([]byte{0xEF, 0xBB, 0xBF}, plain...),
		"trailingnul.json": append(append([]byte{}, plain...), 0x00, 0x00),
	}
	for name, data := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := DecodeRegistrationFile(path)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", name, err)
		}
		if got.Login != reg.Login || got.DataPort != reg.DataPort {
			t.Fatalf("%s: round-trip mismatch: got %+v", name, got)
		}
	}
}

func TestEARegistrationValidate(t *testing.T) {
	tests := []struct {
		name    string
		reg     domain.EARegistration
		wantErr bool
	}{
		{
			name: "valid master",
			reg:  domain.EARegistration{Login: "1", Role: domain.RoleMaster, DataPort: 51810, CommandPort: 51811},
		},
		{
			name:    "master missing command port adjacency",
			reg:     domain.EARegistration{Login: "1", Role: domain.RoleMaster, DataPort: 51810, CommandPort: 51820},
			wantErr: true,
		},
		{
			name: "valid slave",
			reg:  domain.EARegistration{Login: "2", Role: domain.RoleSlave, CommandPort: 51821},
		},
		{
			name:    "slave missing command port",
			reg:     domain.EARegistration{Login: "2", Role: domain.RoleSlave},
			wantErr: true,
		},
		{
			name: "valid control port derivation master",
			reg:  domain.EARegistration{Login: "1", Role: domain.RoleMaster, DataPort: 51810, CommandPort: 51811, ControlPort: 51812},
		},
		{
			name:    "mismatched explicit control port",
			reg:     domain.EARegistration{Login: "1", Role: domain.RoleMaster, DataPort: 51810, CommandPort: 51811, ControlPort: 9999},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRegistrationsMarksStaleDeadAsStale(t *testing.T) {
	m := New(testRanges(), 20*time.Millisecond, 0)
	reg := domain.EARegistration{
		Login: "1", Role: domain.RoleMaster, DataPort: 51999, CommandPort: 52000,
		ModTime: time.Now().Add(-10 * time.Minute),
	}
	results := m.ValidateRegistrations(context.TODO(), []domain.EARegistration{reg}, "127.0.0.1")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != RegistrationStale {
		t.Fatalf("expected stale status for old+dead registration, got %v", results[0].Status)
	}
}
