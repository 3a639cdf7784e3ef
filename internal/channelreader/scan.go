package channelreader

import (
	"context"
	"fmt"
	"time"

	"hedgeedge/internal/control"
	"hedgeedge/internal/domain"
	"hedgeedge/internal/portmgr"
	"hedgeedge/internal/zmqbridge"
)

// bindControlServer binds a ControlServer on the registration's effective
// control port, best-effort: a bind failure just leaves the channel without
// an ENABLE gate rather than aborting the connection (spec §4.5 describes
// ControlServer as advisory liveness signaling, not a hard dependency of
// the data/command path).
func (r *Reader) bindControlServer(reg domain.EARegistration) *control.Server {
	srv, err := control.New(control.Options{
		Host: r.cfg.ZmqHost, ControlPort: reg.EffectiveControlPort(), TerminalID: reg.Login,
		LicenseHint: r.issueLicenseHint(), ResendEvery: r.cfg.ControlResendTTL,
	})
	if err != nil {
		return nil
	}
	return srv
}

// ScanAndConnect runs the full discovery algorithm (spec §4.6.1): cached
// result reuse, registration load/validate, candidate partitioning,
// liveness reconciliation of existing channels, parallel TCP probing, and
// bridge/pipe creation for newly-live candidates. force bypasses the
// 2-second result cache.
func (r *Reader) ScanAndConnect(ctx context.Context, force bool) []string {
	r.scanMu.Lock()
	if !force && !r.scanAt.IsZero() && time.Since(r.scanAt) < r.cfg.ScanCacheTTL {
		result := append([]string(nil), r.scanResult...)
		r.scanMu.Unlock()
		return result
	}
	r.scanMu.Unlock()

	release, ok := r.ports.AcquireScanLock(ctx)
	if !ok {
		// Another scan is in flight or the lock timed out; serve whatever is
		// cached even if stale rather than block the caller indefinitely.
		r.scanMu.Lock()
		result := append([]string(nil), r.scanResult...)
		r.scanMu.Unlock()
		return result
	}
	defer release()

	regs, _ := portmgr.LoadRegistrations(r.cfg.RegistrationDir)
	r.ports.CleanStaleRegistrations(ctx, r.cfg.RegistrationDir, r.cfg.ZmqHost)

	validated := r.ports.ValidateRegistrations(ctx, regs, r.cfg.ZmqHost)
	var masters, slaves []domain.EARegistration
	for _, v := range validated {
		if v.Status == portmgr.RegistrationStale {
			continue
		}
		if v.Registration.IsMaster() {
			masters = append(masters, v.Registration)
		} else {
			slaves = append(slaves, v.Registration)
		}
	}

	if len(masters) == 0 && len(slaves) == 0 {
		masters, slaves = r.fallbackCandidates()
	}

	r.reconcileExisting(ctx, masters, slaves)

	connected := r.connectLiveMasters(ctx, masters)
	connected = append(connected, r.connectLiveSlaves(ctx, slaves)...)

	r.scanMu.Lock()
	r.scanAt = time.Now()
	r.scanResult = connected
	r.scanMu.Unlock()
	return connected
}

// fallbackCandidates substitutes a bounded list of known port pairs when no
// registration files exist at all (spec §4.6.1 step 5).
func (r *Reader) fallbackCandidates() (masters, slaves []domain.EARegistration) {
	const maxFallback = 4
	port := r.cfg.ZmqDataPortStart
	for i := 0; i < maxFallback && port <= r.cfg.ZmqDataPortEnd; i++ {
		masters = append(masters, domain.EARegistration{
			Login: fmt.Sprintf("fallback-%d", port), Role: domain.RoleMaster,
			DataPort: port, CommandPort: port + 1,
		})
		port += r.cfg.ZmqDataPortStep
	}
	return masters, slaves
}

// reconcileExisting leaves channels that are connected and alive (and
// channels whose socket is not connected) as they are, and safely
// disconnects channels that are connected but not alive so they get a fresh
// connection attempt this scan (spec §4.6.1 step 6). It does not remove
// candidates from masters or slaves.
func (r *Reader) reconcileExisting(ctx context.Context, masters, slaves []domain.EARegistration) {
	all := append(append([]domain.EARegistration(nil), masters...), slaves...)
	known := make(map[string]bool, len(all))
	for _, reg := range all {
		known[reg.Login] = true
	}

	r.mu.RLock()
	var stale []string
	for id, c := range r.channels {
		if c.bridge != nil {
			if c.bridge.IsConnected() && c.bridge.IsAlive() {
				continue
			}
			if !c.bridge.IsConnected() {
				continue
			}
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.safeDisconnect(id)
	}
}

func (r *Reader) connectLiveMasters(ctx context.Context, masters []domain.EARegistration) []string {
	var candidates []int
	for _, m := range masters {
		candidates = append(candidates, m.DataPort)
	}
	live := r.ports.DiscoverLivePorts(ctx, candidates, r.cfg.ZmqHost)
	aliveSet := make(map[int]bool, len(live))
	for _, l := range live {
		if l.Alive {
			aliveSet[l.Port] = true
		}
	}

	var connected []string
	for _, m := range masters {
		if _, exists := r.getChannel(m.Login); exists {
			connected = append(connected, m.Login)
			continue
		}
		if !aliveSet[m.DataPort] {
			continue
		}
		if conflict := r.ports.Allocate(m.DataPort, domain.OwnerZmqData, m.Login); conflict != nil {
			continue
		}
		if conflict := r.ports.Allocate(m.CommandPort, domain.OwnerZmqCommand, m.Login); conflict != nil {
			r.ports.ReleaseByLabel(m.Login)
			continue
		}

		c := r.newBridgeChannel(m.Login, zmqbridge.Options{
			Mode: zmqbridge.ModeMaster, Host: r.cfg.ZmqHost, DataPort: m.DataPort, CommandPort: m.CommandPort,
			CommandTimeout: r.cfg.CommandTimeout, ReconnectInterval: r.cfg.ReconnectInterval,
			StalenessWindow: r.cfg.StalenessTimeout, CurveEnabled: m.CurveEnabled, CurveServerKey: m.CurvePublicKey,
		}, false)
		if err := c.bridge.Start(); err != nil {
			r.ports.ReleaseByLabel(m.Login)
			continue
		}
		c.control = r.bindControlServer(m)
		r.putChannel(c)
		r.waitForFirstEventOrPing(ctx, c)
		connected = append(connected, m.Login)
	}
	return connected
}

// waitForFirstEventOrPing implements step 8/9: wait up to InitialEventWait
// for the bridge to go alive; if it doesn't, try PING+STATUS and inject a
// synthetic CONNECTED, else disconnect the channel outright.
func (r *Reader) waitForFirstEventOrPing(ctx context.Context, c *channel) {
	deadline := time.Now().Add(r.cfg.InitialEventWait)
	for time.Now().Before(deadline) {
		if c.bridge.IsAlive() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	pingRes, err := c.bridge.SendCommand(cctx, domain.Command{Action: domain.CmdPing})
	if err != nil || !pingRes.Success {
		r.safeDisconnect(c.terminalID)
		return
	}

	sctx, scancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer scancel()
	statusRes, err := c.bridge.SendCommand(sctx, domain.Command{Action: domain.CmdStatus})
	if err != nil || !statusRes.Success {
		r.safeDisconnect(c.terminalID)
		return
	}
	c.bridge.MarkAlive()
	r.onBridgeEvent(c, domain.Event{Type: domain.EventConnected, TerminalID: c.terminalID, Timestamp: time.Now()})
}

func (r *Reader) connectLiveSlaves(ctx context.Context, slaves []domain.EARegistration) []string {
	var candidates []int
	for _, s := range slaves {
		candidates = append(candidates, s.CommandPort)
	}
	live := r.ports.DiscoverLivePorts(ctx, candidates, r.cfg.ZmqHost)
	aliveSet := make(map[int]bool, len(live))
	for _, l := range live {
		if l.Alive {
			aliveSet[l.Port] = true
		}
	}

	var connected []string
	for _, s := range slaves {
		if _, exists := r.getChannel(s.Login); exists {
			connected = append(connected, s.Login)
			continue
		}
		if !aliveSet[s.CommandPort] {
			continue
		}
		if conflict := r.ports.Allocate(s.CommandPort, domain.OwnerZmqCommand, s.Login); conflict != nil {
			continue
		}

		c := r.newBridgeChannel(s.Login, zmqbridge.Options{
			Mode: zmqbridge.ModeSlave, Host: r.cfg.ZmqHost, CommandPort: s.CommandPort,
			CommandTimeout: r.cfg.CommandTimeout, ReconnectInterval: r.cfg.ReconnectInterval,
			StalenessWindow: r.cfg.StalenessTimeout,
		}, true)
		if err := c.bridge.Start(); err != nil {
			r.ports.ReleaseByLabel(s.Login)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
		statusRes, err := c.bridge.SendCommand(cctx, domain.Command{Action: domain.CmdStatus})
		cancel()
		if err != nil || !statusRes.Success {
			c.bridge.Stop()
			r.ports.ReleaseByLabel(s.Login)
			continue
		}
		c.bridge.MarkAlive()
		c.control = r.bindControlServer(s)
		r.putChannel(c)
		r.startSlavePoll(c)
		connected = append(connected, s.Login)
	}
	return connected
}

// startSlavePoll launches the 5-second STATUS poll a slave bridge relies on
// for liveness and position diffing (spec §4.3).
func (r *Reader) startSlavePoll(c *channel) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.stopPoll = func() { close(stop) }
	c.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SlavePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
				res, err := c.bridge.SendCommand(ctx, domain.Command{Action: domain.CmdStatus})
				cancel()
				if err != nil || !res.Success {
					continue
				}
				c.bridge.MarkAlive()
				if positions, ok := positionsFromPayload(res.Payload); ok {
					c.bridge.ApplyPolledPositions(positions)
				}
			}
		}
	}()
}

func positionsFromPayload(payload map[string]any) ([]domain.Position, bool) {
	raw, ok := payload["positions"]
	if !ok {
		return nil, false
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]domain.Position, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var p domain.Position
		if id, ok := m["id"].(string); ok {
			p.ID = id
		}
		if sym, ok := m["symbol"].(string); ok {
			p.Symbol = sym
		}
		out = append(out, p)
	}
	return out, true
}
