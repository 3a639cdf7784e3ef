// Package zmqbridge implements the ZeroMQ transport to MT-style terminals:
// a subscribe socket for events, a request socket for commands, and
// optional CURVE transport encryption. Grounded on the teacher's
// internal/gateway exchange-connection lifecycle (connect/reconnect,
// health state, command dispatch) generalized from a REST/WS exchange
// client to a ZMQ SUB+REQ terminal bridge.
package zmqbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"hedgeedge/internal/domain"
)

// Mode distinguishes a full master bridge (SUB+REQ) from a slave bridge
// (REQ-only, polled for liveness).
type Mode int

const (
	ModeMaster Mode = iota
	ModeSlave
)

// Options configures one bridge instance (spec §4.2-§4.3, §6.3 defaults).
type Options struct {
	Mode              Mode
	Host              string
	DataPort          int
	CommandPort       int
	TerminalID        string
	EventDriven       bool
	CommandTimeout    time.Duration
	ReconnectInterval time.Duration
	StalenessWindow   time.Duration
	CurveEnabled      bool
	CurveServerKey    string

	// EventSink receives every normalized domain.Event the bridge produces.
	// Called from the bridge's single receive-loop goroutine; it must not
	// block for long.
	EventSink func(domain.Event)
}

func (o *Options) applyDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = 15 * time.Second
	}
}

// Bridge is one terminal connection: SUB (master only) for events, REQ for
// commands, with reconnect-on-error and liveness tracking.
type Bridge struct {
	opts Options

	mu                   sync.RWMutex
	subConnected         bool
	reqConnected         bool
	lastMessageReceived  time.Time
	firstSnapshotSeen    bool
	cachedSnapshot       domain.AccountSnapshot
	cachedPositions      []domain.Position
	eventIndex           int64
	errored              bool

	sub   zmq4.Socket
	queue *commandQueue
	req   *zmqReqSender

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a bridge in the given mode. It does not connect; call
// Start.
func New(opts Options) *Bridge {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		opts:   opts,
		queue:  newCommandQueue(64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start dials the command socket, and for master mode also dials and
// subscribes the SUB socket, then launches the background receive/command
// loops.
func (b *Bridge) Start() error {
	if err := b.connectReq(); err != nil {
		return err
	}
	if b.opts.Mode == ModeMaster {
		if err := b.connectSub(); err != nil {
			return err
		}
		b.wg.Add(1)
		go b.subLoop()
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.queue.Run(b.ctx, b.req)
	}()
	return nil
}

func (b *Bridge) connectReq() error {
	endpoint := fmt.Sprintf("tcp://%s:%d", b.opts.Host, b.opts.CommandPort)
	sender, err := newZmqReqSender(b.ctx, endpoint)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.req = sender
	b.reqConnected = true
	b.mu.Unlock()
	return nil
}

func (b *Bridge) connectSub() error {
	endpoint := fmt.Sprintf("tcp://%s:%d", b.opts.Host, b.opts.DataPort)
	sock := zmq4.NewSub(b.ctx)
	if err := applyCurve(sock, b.opts); err != nil {
		sock.Close()
		return err
	}
	_ = sock.SetOption(zmq4.OptionHWM, 1000)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return fmt.Errorf("zmqbridge: dial SUB %s: %w", endpoint, err)
	}
	for _, prefix := range topicPrefixes {
		if err := sock.SetOption(zmq4.OptionSubscribe, prefix); err != nil {
			sock.Close()
			return fmt.Errorf("zmqbridge: subscribe %q: %w", prefix, err)
		}
	}
	b.mu.Lock()
	b.sub = sock
	b.subConnected = true
	b.mu.Unlock()
	return nil
}

func (b *Bridge) subLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}
		msg, err := b.sub.Recv()
		if err != nil {
			b.mu.Lock()
			b.subConnected = false
			b.errored = true
			b.mu.Unlock()
			b.scheduleReconnect()
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		b.handleFrame(msg.Frames[0])
	}
}

// scheduleReconnect closes and recreates the SUB socket after
// ReconnectInterval, retrying until it connects or the bridge stops. The REQ
// socket and the command queue are left as they are.
func (b *Bridge) scheduleReconnect() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.opts.ReconnectInterval):
		}
		b.mu.Lock()
		if b.sub != nil {
			b.sub.Close()
		}
		b.mu.Unlock()
		if err := b.connectSub(); err != nil {
			b.scheduleReconnect()
			return
		}
		b.mu.Lock()
		b.errored = false
		b.mu.Unlock()
		b.wg.Add(1)
		go b.subLoop()
	}()
}

func (b *Bridge) handleFrame(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return // parse errors are dropped, not fatal (spec §4.2 failure semantics)
	}

	b.mu.Lock()
	b.lastMessageReceived = time.Now()
	b.eventIndex++
	idx := b.eventIndex
	b.mu.Unlock()

	switch env.Type {
	case "GOODBYE":
		b.emit(domain.Event{Type: domain.EventDisconnected, TerminalID: b.opts.TerminalID, Timestamp: time.Now(), EventIndex: idx})
	case "SNAPSHOT":
		b.handleLegacySnapshot(env, idx)
	case "HEARTBEAT":
		b.handleHeartbeat(env, idx)
	default:
		b.emitTyped(env, idx)
	}
}

// handleLegacySnapshot applies the first-message-becomes-CONNECTED rule and,
// for non-eventDriven peers, diffs positions into synthetic open/close
// events (spec §4.2 "Legacy normalization", "Diff-to-events").
func (b *Bridge) handleLegacySnapshot(env wireEnvelope, idx int64) {
	snap := legacySnapshotToAccountSnapshot(env)

	b.mu.Lock()
	prevPositions := b.cachedPositions
	first := !b.firstSnapshotSeen
	b.firstSnapshotSeen = true
	b.cachedSnapshot = snap
	b.cachedPositions = snap.Positions
	b.mu.Unlock()

	evtType := domain.EventAccountUpdate
	if first {
		evtType = domain.EventConnected
	}
	b.emit(domain.Event{
		Type: evtType, TerminalID: b.opts.TerminalID, Timestamp: snap.Timestamp,
		EventIndex: idx, Snapshot: &snap,
	})

	if evtType == domain.EventAccountUpdate && !env.EventDriven {
		for _, ev := range diffToEvents(b.opts.TerminalID, prevPositions, snap.Positions, snap.Timestamp) {
			ev.EventIndex = idx
			b.emit(ev)
		}
	}
}

// handleHeartbeat silently merges into the cached snapshot without replacing
// its identity, and emits a lightweight HEARTBEAT event (spec §4.2
// "Heartbeat").
func (b *Bridge) handleHeartbeat(env wireEnvelope, idx int64) {
	b.mu.Lock()
	snap := b.cachedSnapshot
	snap.Balance = env.Balance
	snap.Margin = env.Margin
	snap.FreeMargin = env.FreeMargin
	snap.FloatingPnL = env.FloatingPnL
	snap.IsLicenseValid = env.IsLicenseValid
	snap.IsPaused = env.IsPaused
	if len(env.Positions) > 0 {
		snap.Positions = env.Positions
		b.cachedPositions = env.Positions
	}
	snap.Normalize()
	b.cachedSnapshot = snap
	b.mu.Unlock()

	b.emit(domain.Event{Type: domain.EventHeartbeat, TerminalID: b.opts.TerminalID, Timestamp: time.Now(), EventIndex: idx, Snapshot: &snap})
}

func (b *Bridge) emitTyped(env wireEnvelope, idx int64) {
	var pos domain.Position
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &pos)
	}
	b.emit(domain.Event{
		Type: domain.EventType(env.Type), TerminalID: b.opts.TerminalID,
		Timestamp: env.Timestamp, EventIndex: idx, Position: &pos,
	})
}

func (b *Bridge) emit(ev domain.Event) {
	if b.opts.EventSink != nil {
		b.opts.EventSink(ev)
	}
}

// SendCommand enqueues cmd on the FIFO REQ queue and blocks for the result.
func (b *Bridge) SendCommand(ctx context.Context, cmd domain.Command) (domain.CommandResult, error) {
	return b.queue.Submit(ctx, cmd, b.opts.CommandTimeout)
}

// IsConnected reports socket-level connectivity: both sockets for master
// mode, REQ only for slave mode.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.opts.Mode == ModeSlave {
		return b.reqConnected
	}
	return b.subConnected && b.reqConnected
}

// IsAlive additionally requires a recent message within StalenessWindow.
func (b *Bridge) IsAlive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connectedLocked() {
		return false
	}
	return time.Since(b.lastMessageReceived) < b.opts.StalenessWindow
}

func (b *Bridge) connectedLocked() bool {
	if b.opts.Mode == ModeSlave {
		return b.reqConnected
	}
	return b.subConnected && b.reqConnected
}

// MarkAlive records a liveness signal for slave bridges, whose only source
// of freshness is a successful poll reply (spec §4.3).
func (b *Bridge) MarkAlive() {
	b.mu.Lock()
	b.lastMessageReceived = time.Now()
	b.mu.Unlock()
}

// CachedSnapshot returns the last known account snapshot.
func (b *Bridge) CachedSnapshot() domain.AccountSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cachedSnapshot.Clone()
}

// ApplyPolledPositions lets a slave-mode caller feed positions fetched via
// STATUS polling through the same diff-to-events machinery a master bridge
// runs internally (spec §4.3 "diffs positions (ChannelReader-side)").
func (b *Bridge) ApplyPolledPositions(cur []domain.Position) {
	b.mu.Lock()
	prev := b.cachedPositions
	b.cachedPositions = cur
	b.eventIndex++
	idx := b.eventIndex
	b.mu.Unlock()

	for _, ev := range diffToEvents(b.opts.TerminalID, prev, cur, time.Now()) {
		ev.EventIndex = idx
		b.emit(ev)
	}
}

// Stop tears down both sockets and the command queue, failing any requests
// still in flight.
func (b *Bridge) Stop() {
	b.cancel()
	b.queue.Stop()
	b.mu.Lock()
	if b.sub != nil {
		b.sub.Close()
	}
	if b.req != nil {
		b.req.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
