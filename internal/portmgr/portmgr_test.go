package portmgr

import (
	"context"
	"testing"
	"time"

	"hedgeedge/internal/domain"
)

func testRanges() Ranges {
	return Ranges{ZmqDataStart: 51810, ZmqDataEnd: 51840, ZmqDataStep: 10, ProxyStart: 9089, ProxyEnd: 9099}
}

func TestIsValidZmqDataPort(t *testing.T) {
	m := New(testRanges(), 0, 0)
	tests := []struct {
		port int
		want bool
	}{
		{51810, true},
		{51820, true},
		{51815, false}, // not step-aligned
		{51850, false}, // out of range
		{-1, false},
	}
	for _, tt := range tests {
		if got := m.IsValidZmqDataPort(tt.port); got != tt.want {
			t.Errorf("IsValidZmqDataPort(%d) = %v, want %v", tt.port, got, tt.want)
		}
	}
}

func TestIsValidZmqPortPair(t *testing.T) {
	if !IsValidZmqPortPair(51810, 51811) {
		t.Fatal("expected adjacent pair to be valid")
	}
	if IsValidZmqPortPair(51810, 51812) {
		t.Fatal("expected non-adjacent pair to be invalid")
	}
}

func TestAllocateReleaseIdempotent(t *testing.T) {
	m := New(testRanges(), 0, 0)

	if conflict := m.Allocate(51810, domain.OwnerZmqData, "terminal-1"); conflict != nil {
		t.Fatalf("unexpected conflict on first allocate: %v", conflict)
	}
	if conflict := m.Allocate(51810, domain.OwnerZmqData, "terminal-2"); conflict == nil {
		t.Fatal("expected conflict allocating an already-owned port")
	}

	m.ReleaseByLabel("terminal-1")
	if _, ok := m.Lookup(51810); ok {
		t.Fatal("expected port to be released")
	}

	// Re-allocation with the same label succeeds with no residual entry.
	if conflict := m.Allocate(51810, domain.OwnerZmqData, "terminal-1"); conflict != nil {
		t.Fatalf("unexpected conflict re-allocating after release: %v", conflict)
	}

	// Double release is a no-op.
	m.ReleaseByLabel("terminal-1")
	m.ReleaseByLabel("terminal-1")
	if _, ok := m.Lookup(51810); ok {
		t.Fatal("expected port to remain released after double release")
	}
}

func TestTCPProbeFailsClosed(t *testing.T) {
	m := New(testRanges(), 20*time.Millisecond, 0)
	ctx := context.Background()
	// Nothing listens on this low port in the test sandbox.
	if m.TCPProbe(ctx, 51, "127.0.0.1") {
		t.Skip("unexpectedly something is listening on port 51 in this environment")
	}
}

func TestAcquireScanLockSerializes(t *testing.T) {
	m := New(testRanges(), 0, 30*time.Millisecond)
	ctx := context.Background()

	release, ok := m.AcquireScanLock(ctx)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	_, ok = m.AcquireScanLock(ctx)
	if ok {
		t.Fatal("expected second concurrent acquire to fail while held")
	}

	release()

	release2, ok := m.AcquireScanLock(ctx)
	if !ok {
		t.Fatal("expected acquire to succeed after release")
	}
	release2()
}

func TestDetectStartupConflicts(t *testing.T) {
	m := New(testRanges(), 0, 0)
	warnings := m.DetectStartupConflicts(map[string][]int{
		"zmq":   {51810, 51811},
		"proxy": {9089, 51810},
	})
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one conflict warning, got %d: %v", len(warnings), warnings)
	}
}
