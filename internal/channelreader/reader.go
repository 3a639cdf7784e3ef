package channelreader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedgeedge/internal/domain"
	"hedgeedge/internal/pipeclient"
	"hedgeedge/internal/portmgr"
	"hedgeedge/internal/zmqbridge"
	"hedgeedge/pkg/config"
	"hedgeedge/pkg/license"
)

// Reader owns every terminal channel, the snapshot cache, and discovery.
// It is the only component that talks to ZmqBridge/PipeClient directly.
type Reader struct {
	cfg     *config.Config
	ports   *portmgr.Manager
	license *license.Manager

	mu       sync.RWMutex
	channels map[string]*channel

	scanMu     sync.Mutex
	scanAt     time.Time
	scanResult []string

	sink func(UIEvent)

	wg sync.WaitGroup
}

// New constructs a Reader bound to the given PortManager and config. lic may
// be nil, in which case bound ControlServers issue an empty licenseHint.
func New(cfg *config.Config, ports *portmgr.Manager, lic *license.Manager, sink func(UIEvent)) *Reader {
	return &Reader{cfg: cfg, ports: ports, license: lic, channels: make(map[string]*channel), sink: sink}
}

// issueLicenseHint mints a short-lived licenseHint for the ENABLE frame
// (spec §4.5), or the empty string if no license manager is configured.
func (r *Reader) issueLicenseHint() string {
	if r.license == nil {
		return ""
	}
	hint, err := r.license.IssueHint(24 * time.Hour)
	if err != nil {
		return ""
	}
	return hint
}

func (r *Reader) emit(ev UIEvent) {
	if r.sink != nil {
		r.sink(ev)
	}
}

func (r *Reader) getChannel(id string) (*channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

func (r *Reader) putChannel(c *channel) {
	r.mu.Lock()
	r.channels[c.terminalID] = c
	r.mu.Unlock()
}

// --- 4.6.2 Event fan-out -----------------------------------------------

func (r *Reader) onBridgeEvent(c *channel, ev domain.Event) {
	switch ev.Type {
	case domain.EventConnected:
		if ev.Snapshot != nil {
			c.setSnapshot(*ev.Snapshot)
		}
		r.emit(UIEvent{Type: UITerminalConnected, TerminalID: c.terminalID, Snapshot: ev.Snapshot, Bridge: ev})
		r.scheduleHistoryFetch(c)

	case domain.EventHeartbeat:
		if ev.Snapshot != nil {
			c.setSnapshot(*ev.Snapshot)
		}
		r.emit(UIEvent{Type: UIHeartbeat, TerminalID: c.terminalID, Snapshot: ev.Snapshot, Bridge: ev})

	case domain.EventAccountUpdate:
		if ev.Snapshot != nil {
			c.setSnapshot(*ev.Snapshot)
		}
		// no UI emit per spec §4.6.2

	case domain.EventPositionOpened, domain.EventPositionClosed, domain.EventPositionModified, domain.EventPositionReversed:
		r.emit(UIEvent{Type: UIPositionEvent, TerminalID: c.terminalID, Position: ev.Position, Bridge: ev})

	case domain.EventOrderPlaced, domain.EventOrderCancelled:
		r.emit(UIEvent{Type: UIOrderEvent, TerminalID: c.terminalID, Bridge: ev})

	case domain.EventPaused, domain.EventResumed:
		r.emit(UIEvent{Type: UIPauseResume, TerminalID: c.terminalID, Bridge: ev})

	case domain.EventDisconnected:
		r.emit(UIEvent{Type: UIError, TerminalID: c.terminalID, Reason: "disconnected", Bridge: ev})
	}
}

// scheduleHistoryFetch issues GET_HISTORY 5s after CONNECTED, once per
// channel lifetime (spec §4.6.2).
func (r *Reader) scheduleHistoryFetch(c *channel) {
	c.mu.Lock()
	if c.historyRequested {
		c.mu.Unlock()
		return
	}
	c.historyRequested = true
	c.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(5 * time.Second):
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
		defer cancel()
		res, err := c.transport.SendCommand(ctx, domain.Command{Action: domain.CmdGetHistory, Days: 3650})
		if err != nil {
			return
		}
		r.emit(UIEvent{Type: UITradeHistory, TerminalID: c.terminalID, Reason: fmt.Sprintf("success=%v", res.Success)})
	}()
}

// --- 4.6.3 Command routing ----------------------------------------------

// SendCommand resolves the transport for terminalID and sends cmd, or
// returns a "Terminal not connected" failure result if neither a connected
// bridge nor pipe exists.
func (r *Reader) SendCommand(ctx context.Context, terminalID string, cmd domain.Command) domain.CommandResult {
	c, ok := r.getChannel(terminalID)
	if !ok || !c.transport.IsConnected() {
		return domain.Failure("Terminal not connected")
	}
	res, err := c.transport.SendCommand(ctx, cmd)
	if err != nil {
		return domain.Failure(err.Error())
	}
	return res
}

func (r *Reader) OpenPosition(ctx context.Context, terminalID, symbol string, side domain.Side, volume float64) domain.CommandResult {
	return r.SendCommand(ctx, terminalID, domain.Command{Action: domain.CmdOpenPosition, Symbol: symbol, Side: side, Volume: volume})
}

func (r *Reader) ModifyPosition(ctx context.Context, terminalID, ticket string, sl, tp float64) domain.CommandResult {
	return r.SendCommand(ctx, terminalID, domain.Command{Action: domain.CmdModifyPosition, Ticket: ticket, SL: sl, TP: tp})
}

func (r *Reader) ClosePosition(ctx context.Context, terminalID, positionID string) domain.CommandResult {
	return r.SendCommand(ctx, terminalID, domain.Command{Action: domain.CmdClosePosition, PositionID: positionID})
}

func (r *Reader) CloseAll(ctx context.Context, terminalID string) domain.CommandResult {
	return r.SendCommand(ctx, terminalID, domain.Command{Action: domain.CmdCloseAll})
}

func (r *Reader) Pause(ctx context.Context, terminalID string) domain.CommandResult {
	return r.SendCommand(ctx, terminalID, domain.Command{Action: domain.CmdPause})
}

func (r *Reader) Resume(ctx context.Context, terminalID string) domain.CommandResult {
	return r.SendCommand(ctx, terminalID, domain.Command{Action: domain.CmdResume})
}

func (r *Reader) Ping(ctx context.Context, terminalID string) domain.CommandResult {
	return r.SendCommand(ctx, terminalID, domain.Command{Action: domain.CmdPing})
}

// Snapshot returns the cached snapshot for a terminal, if any.
func (r *Reader) Snapshot(terminalID string) (domain.AccountSnapshot, bool) {
	c, ok := r.getChannel(terminalID)
	if !ok {
		return domain.AccountSnapshot{}, false
	}
	return c.cachedSnapshot(), true
}

// --- 4.6.4 Safe disconnect -----------------------------------------------

// safeDisconnect tears down a channel unconditionally: timer cancellation,
// transport stop, map deletion, port release and scan-cache invalidation
// all happen regardless of whether earlier steps succeeded (spec §4.6.4).
func (r *Reader) safeDisconnect(id string) {
	r.mu.Lock()
	c, ok := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	func() {
		defer func() { recover() }()
		if c.stopPoll != nil {
			c.stopPoll()
		}
	}()
	func() {
		defer func() { recover() }()
		c.transport.Stop()
	}()
	func() {
		defer func() { recover() }()
		if c.control != nil {
			c.control.Close("channel disconnected")
		}
	}()

	r.ports.ReleaseByLabel(id)
	r.invalidateScanCache()
}

func (r *Reader) invalidateScanCache() {
	r.scanMu.Lock()
	r.scanAt = time.Time{}
	r.scanResult = nil
	r.scanMu.Unlock()
}

// newBridgeChannel wires a freshly started ZmqBridge into a channel, routing
// its events through onBridgeEvent.
func (r *Reader) newBridgeChannel(terminalID string, opts zmqbridge.Options, isSlave bool) *channel {
	c := &channel{terminalID: terminalID, isSlave: isSlave}
	opts.TerminalID = terminalID
	opts.EventSink = func(ev domain.Event) { r.onBridgeEvent(c, ev) }
	b := zmqbridge.New(opts)
	c.bridge = b
	c.transport = bridgeTransport{b: b}
	return c
}

func (r *Reader) newPipeChannel(terminalID string, opts pipeclient.Options) *channel {
	c := &channel{terminalID: terminalID}
	opts.TerminalID = terminalID
	opts.FrameSink = func(f pipeclient.DataFrame) { r.onPipeFrame(c, f) }
	p := pipeclient.New(opts)
	c.transport = pipeTransport{p: p}
	return c
}

func (r *Reader) onPipeFrame(c *channel, f pipeclient.DataFrame) {
	switch f.Kind {
	case pipeclient.FrameSnapshot:
		first := c.cachedSnapshot().AccountID == ""
		c.setSnapshot(f.Snapshot)
		evtType := UITerminalConnected
		if !first {
			evtType = UIHeartbeat
		}
		r.emit(UIEvent{Type: evtType, TerminalID: c.terminalID, Snapshot: &f.Snapshot})
		if first {
			r.scheduleHistoryFetch(c)
		}
	case pipeclient.FrameGoodbye:
		r.emit(UIEvent{Type: UIError, TerminalID: c.terminalID, Reason: "disconnected"})
	}
}
