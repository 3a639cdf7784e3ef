// Package hostglue is the host shell's timer loop: periodic account
// refresh, health checks and re-discovery, plus a throttled heartbeat push.
// It is "interface only" — every concrete action (publish, disconnect,
// reconnect) is delegated to the dependencies passed in. Grounded on the
// teacher's internal/monitor ticker-driven loop shape, generalized from
// exchange-health polling to the three terminal-facing timers spec.md
// names.
package hostglue

import (
	"context"
	"sync"
	"time"

	"hedgeedge/internal/domain"
)

// Deps are the concrete operations HostGlue's timers invoke. All of them
// are expected to be cheap and non-blocking from the caller's perspective;
// slow work should be backgrounded by the implementation.
type Deps struct {
	// PublishSnapshots pushes every cached snapshot to the UI.
	PublishSnapshots func(ctx context.Context)
	// ConnectedSessionIDs lists sessions currently in the connected state.
	ConnectedSessionIDs func() []string
	// DisconnectedSessionIDs lists sessions currently in the disconnected
	// state, the discovery timer's reconnect-attempt target.
	DisconnectedSessionIDs func() []string
	// IsSessionHealthy reports whether a connected session's bridge is
	// alive and its heartbeat is within the staleness window.
	IsSessionHealthy func(sessionID string) bool
	// MarkDisconnected transitions a session to disconnected.
	MarkDisconnected func(sessionID string)
	// RunDiscovery re-scans for terminals and returns the IDs of every
	// connected terminal, already-known ones included (force=true bypasses
	// the scan cache).
	RunDiscovery func(ctx context.Context, force bool) []string
	// AutoCreateSession creates a session for a freshly discovered
	// terminal carrying a valid accountId.
	AutoCreateSession func(terminalID string)
	// AttemptReconnect tries to re-attach a disconnected session to a live
	// snapshot by login match; snapshotAge must be < 30s for a match to be
	// accepted.
	AttemptReconnect func(sessionID string) bool
	// PushHeartbeat delivers a throttled heartbeat-driven UI update.
	PushHeartbeat func(snapshot domain.AccountSnapshot)
}

// Options configures timer intervals (spec §4.10 defaults).
type Options struct {
	AccountRefreshInterval time.Duration // default 30s
	HealthCheckInterval    time.Duration // default 5s
	DiscoveryInterval      time.Duration // default 30s
	HeartbeatPushThrottle  time.Duration // default 2s
}

func (o *Options) applyDefaults() {
	if o.AccountRefreshInterval <= 0 {
		o.AccountRefreshInterval = 30 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 5 * time.Second
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 30 * time.Second
	}
	if o.HeartbeatPushThrottle <= 0 {
		o.HeartbeatPushThrottle = 2 * time.Second
	}
}

// HostGlue owns the three background timers and the heartbeat throttle.
type HostGlue struct {
	opts Options
	deps Deps

	mu           sync.Mutex
	lastPush     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a HostGlue, not yet running.
func New(opts Options, deps Deps) *HostGlue {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &HostGlue{opts: opts, deps: deps, ctx: ctx, cancel: cancel}
}

// Start launches all three timers.
func (h *HostGlue) Start() {
	h.wg.Add(3)
	go h.runTicker(h.opts.AccountRefreshInterval, h.accountRefreshTick)
	go h.runTicker(h.opts.HealthCheckInterval, h.healthCheckTick)
	go h.runTicker(h.opts.DiscoveryInterval, h.discoveryTick)
}

func (h *HostGlue) runTicker(interval time.Duration, tick func(ctx context.Context)) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			tick(h.ctx)
		}
	}
}

func (h *HostGlue) accountRefreshTick(ctx context.Context) {
	if h.deps.PublishSnapshots != nil {
		h.deps.PublishSnapshots(ctx)
	}
}

func (h *HostGlue) healthCheckTick(ctx context.Context) {
	if h.deps.ConnectedSessionIDs == nil || h.deps.IsSessionHealthy == nil || h.deps.MarkDisconnected == nil {
		return
	}
	for _, id := range h.deps.ConnectedSessionIDs() {
		if !h.deps.IsSessionHealthy(id) {
			h.deps.MarkDisconnected(id)
		}
	}
}

func (h *HostGlue) discoveryTick(ctx context.Context) {
	if h.deps.RunDiscovery == nil {
		return
	}
	discovered := h.deps.RunDiscovery(ctx, false)
	if h.deps.AutoCreateSession != nil {
		for _, id := range discovered {
			h.deps.AutoCreateSession(id)
		}
	}
	if h.deps.AttemptReconnect == nil || h.deps.DisconnectedSessionIDs == nil {
		return
	}
	for _, id := range h.deps.DisconnectedSessionIDs() {
		h.deps.AttemptReconnect(id)
	}
}

// PushHeartbeat forwards a heartbeat to the UI, throttled to at most once
// per HeartbeatPushThrottle (spec §4.10). Trade events and connection
// changes bypass this throttle entirely by calling the UI sink directly.
func (h *HostGlue) PushHeartbeat(snap domain.AccountSnapshot) {
	h.mu.Lock()
	if time.Since(h.lastPush) < h.opts.HeartbeatPushThrottle {
		h.mu.Unlock()
		return
	}
	h.lastPush = time.Now()
	h.mu.Unlock()

	if h.deps.PushHeartbeat != nil {
		h.deps.PushHeartbeat(snap)
	}
}

// Stop cancels all timers and waits for them to exit.
func (h *HostGlue) Stop() {
	h.cancel()
	h.wg.Wait()
}
