// Package portmgr is the process-wide port registry: validation, TCP-level
// liveness probing, allocation bookkeeping and the discovery scan mutex
// (spec §4.1). It is modeled on the teacher's internal/gateway.Manager — a
// single mutex-guarded map plus background housekeeping — generalized from
// a pool of cached exchange gateways to a pool of allocated ports.
package portmgr

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hedgeedge/internal/domain"
)

// Ranges are the design-fixed port ranges from spec §4.1.
type Ranges struct {
	ZmqDataStart int
	ZmqDataEnd   int
	ZmqDataStep  int
	ProxyStart   int
	ProxyEnd     int
	AgentHTTP    []int
}

// Manager is the process-wide port registry.
type Manager struct {
	mu       sync.Mutex
	allocs   map[int]domain.PortAllocation // port -> allocation
	byLabel  map[string][]int              // label -> ports, for releaseByLabel

	ranges  Ranges
	probeTO time.Duration

	scanMu      chan struct{} // 1-buffered token: AcquireScanLock receives it, release sends it back
	scanTimeout time.Duration

	probeLimiter *rate.Limiter
}

// New creates a PortManager. probeTimeout/scanMutexTimeout default to
// spec's 50ms/30s when zero.
func New(ranges Ranges, probeTimeout, scanMutexTimeout time.Duration) *Manager {
	if probeTimeout <= 0 {
		probeTimeout = 50 * time.Millisecond
	}
	if scanMutexTimeout <= 0 {
		scanMutexTimeout = 30 * time.Second
	}
	m := &Manager{
		allocs:       make(map[int]domain.PortAllocation),
		byLabel:      make(map[string][]int),
		ranges:       ranges,
		probeTO:      probeTimeout,
		scanMu:       make(chan struct{}, 1),
		scanTimeout:  scanMutexTimeout,
		probeLimiter: rate.NewLimiter(rate.Limit(200), 50),
	}
	m.scanMu <- struct{}{} // unlocked
	return m
}

// IsValidPort checks the standard TCP port range.
func IsValidPort(p int) bool { return p > 0 && p <= 65535 }

// IsValidZmqDataPort checks p falls within the configured ZMQ data range and
// is aligned to the configured step.
func (m *Manager) IsValidZmqDataPort(p int) bool {
	if !IsValidPort(p) || p < m.ranges.ZmqDataStart || p > m.ranges.ZmqDataEnd {
		return false
	}
	if m.ranges.ZmqDataStep <= 0 {
		return true
	}
	return (p-m.ranges.ZmqDataStart)%m.ranges.ZmqDataStep == 0
}

// IsValidZmqPortPair checks the master data/command adjacency invariant.
func IsValidZmqPortPair(data, command int) bool {
	return IsValidPort(data) && command == data+1
}

// TCPProbe opens a TCP connection with a short timeout and reports whether
// connect succeeded. No protocol exchange happens; failures are non-fatal
// and simply return false (spec §4.1 "Failure model").
func (m *Manager) TCPProbe(ctx context.Context, port int, host string) bool {
	if host == "" {
		host = "127.0.0.1"
	}
	d := net.Dialer{Timeout: m.probeTO}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// IsPortAvailable reports whether a listening socket can be bound to port.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailablePort sequentially bind-probes [start,end], skipping ports
// already present in the registry.
func (m *Manager) FindAvailablePort(start, end int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := start; p <= end; p++ {
		if _, taken := m.allocs[p]; taken {
			continue
		}
		if IsPortAvailable(p) {
			return p, true
		}
	}
	return 0, false
}

// Allocate inserts a port into the registry. It never retries; a conflict
// is returned (not an error panic) when the port is already allocated.
func (m *Manager) Allocate(port int, owner domain.PortOwner, label string) *domain.PortConflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.allocs[port]; ok {
		return &domain.PortConflict{Port: port, ExistingItem: existing}
	}
	alloc := domain.PortAllocation{
		Port:        port,
		Owner:       owner,
		Label:       label,
		AllocatedAt: time.Now(),
	}
	m.allocs[port] = alloc
	m.byLabel[label] = append(m.byLabel[label], port)
	return nil
}

// Release removes a single port's allocation. Idempotent.
func (m *Manager) Release(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(port)
}

func (m *Manager) releaseLocked(port int) {
	alloc, ok := m.allocs[port]
	if !ok {
		return
	}
	delete(m.allocs, port)
	ports := m.byLabel[alloc.Label]
	for i, p := range ports {
		if p == port {
			m.byLabel[alloc.Label] = append(ports[:i], ports[i+1:]...)
			break
		}
	}
	if len(m.byLabel[alloc.Label]) == 0 {
		delete(m.byLabel, alloc.Label)
	}
}

// ReleaseByLabel releases every port allocated under label. Idempotent —
// calling it twice, or on a label with no allocations, is a no-op.
func (m *Manager) ReleaseByLabel(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := append([]int(nil), m.byLabel[label]...)
	for _, p := range ports {
		m.releaseLocked(p)
	}
}

// MarkVerified flags a port as having a responding peer observed.
func (m *Manager) MarkVerified(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alloc, ok := m.allocs[port]; ok {
		alloc.Verified = true
		m.allocs[port] = alloc
	}
}

// Lookup returns the current allocation for a port, if any.
func (m *Manager) Lookup(port int) (domain.PortAllocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocs[port]
	return a, ok
}

// AcquireScanLock serializes discovery. It blocks up to scanMutexTimeout for
// the lock; on timeout it returns a nil release func so callers can proceed
// with stale data rather than hang (spec §5 "Cancellation and timeouts").
func (m *Manager) AcquireScanLock(ctx context.Context) (release func(), ok bool) {
	timer := time.NewTimer(m.scanTimeout)
	defer timer.Stop()
	select {
	case <-m.scanMu:
		return func() { m.scanMu <- struct{}{} }, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// DiscoverLivePorts TCP-probes every candidate in parallel, rate-limited so a
// large candidate set does not open a burst of sockets simultaneously.
func (m *Manager) DiscoverLivePorts(ctx context.Context, candidates []int, host string) []ScanResult {
	results := make([]ScanResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(32)
	for i, port := range candidates {
		i, port := i, port
		g.Go(func() error {
			_ = m.probeLimiter.Wait(gctx)
			results[i] = ScanResult{Port: port, Alive: m.TCPProbe(gctx, port, host)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ScanResult is one candidate's liveness outcome.
type ScanResult struct {
	Port  int
	Alive bool
}

// DetectStartupConflicts pairwise-checks configured subsystem port sets for
// collisions and returns human-readable warnings; it never raises.
func (m *Manager) DetectStartupConflicts(knownPorts map[string][]int) []string {
	var warnings []string
	seen := make(map[int]string)
	for subsystem, ports := range knownPorts {
		for _, p := range ports {
			if owner, ok := seen[p]; ok && owner != subsystem {
				warnings = append(warnings, fmt.Sprintf("port %d claimed by both %s and %s", p, owner, subsystem))
				continue
			}
			seen[p] = subsystem
		}
	}
	return warnings
}
