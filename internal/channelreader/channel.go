// Package channelreader is the single public surface for terminal
// messaging: it owns every ZmqBridge/PipeClient, the snapshot cache,
// discovery, and command routing. Grounded on the teacher's
// internal/gateway.Manager — an LRU pool of exchange connections with
// health checks and a circuit breaker — generalized from exchange gateways
// to MT/cTrader terminal channels.
package channelreader

import (
	"context"
	"sync"
	"time"

	"hedgeedge/internal/control"
	"hedgeedge/internal/domain"
	"hedgeedge/internal/pipeclient"
	"hedgeedge/internal/zmqbridge"
)

// transport is the minimal surface both ZmqBridge and PipeClient expose to
// the reader, letting command routing and teardown stay transport-agnostic.
type transport interface {
	IsConnected() bool
	SendCommand(ctx context.Context, cmd domain.Command) (domain.CommandResult, error)
	Stop()
}

type bridgeTransport struct{ b *zmqbridge.Bridge }

func (t bridgeTransport) IsConnected() bool { return t.b.IsConnected() }
func (t bridgeTransport) SendCommand(ctx context.Context, cmd domain.Command) (domain.CommandResult, error) {
	return t.b.SendCommand(ctx, cmd)
}
func (t bridgeTransport) Stop() { t.b.Stop() }

type pipeTransport struct{ p *pipeclient.PipeClient }

func (t pipeTransport) IsConnected() bool { return t.p.IsConnected() }
func (t pipeTransport) SendCommand(ctx context.Context, cmd domain.Command) (domain.CommandResult, error) {
	return t.p.SendCommand(ctx, cmd)
}
func (t pipeTransport) Stop() { t.p.Stop() }

// channel is one terminal's live connection plus reader-side bookkeeping.
type channel struct {
	terminalID string
	transport  transport
	bridge     *zmqbridge.Bridge // nil for pipe-backed channels
	isSlave    bool
	control    *control.Server // ENABLE/ACK liveness gate, nil if unbound

	mu               sync.Mutex
	snapshot         domain.AccountSnapshot
	firstSnapshotAt  time.Time
	historyRequested bool
	stopPoll         func()
}

func (c *channel) cachedSnapshot() domain.AccountSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Clone()
}

func (c *channel) setSnapshot(s domain.AccountSnapshot) {
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}
