// Package control implements the liveness-gate PAIR socket: a per-terminal
// bound socket the desktop app uses to signal it is alive, independent of
// any polling. Grounded on the teacher's internal/gateway connection-state
// lifecycle, narrowed from a health-checked exchange link to a bind/ENABLE/
// DISABLE liveness channel.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ChannelState is the liveness gate's own state, independent of the data
// bridge's connection state.
type ChannelState string

const (
	StateBound     ChannelState = "bound"
	StateConnected ChannelState = "connected"
	StateError     ChannelState = "error"
	StateClosed    ChannelState = "closed"
)

// Frame is the JSON shape exchanged on the PAIR socket (spec §4.5
// "Protocol"): outbound ENABLE/DISABLE, inbound ACK/CONNECTED/HEARTBEAT_ACK.
type Frame struct {
	Action      string `json:"action"`
	SessionID   string `json:"sessionId,omitempty"`
	IssuedAt    int64  `json:"issuedAt,omitempty"`
	LicenseHint string `json:"licenseHint,omitempty"`
	AppVersion  string `json:"appVersion,omitempty"`
	TerminalID  string `json:"terminalId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Options configures one ControlServer.
type Options struct {
	Host        string
	ControlPort int
	TerminalID  string
	SessionID   string
	LicenseHint string
	AppVersion  string
	ResendEvery time.Duration // default 30s
}

// Server is one terminal's liveness gate: bind, send ENABLE, resend on a
// timer, receive ACK/CONNECTED/HEARTBEAT_ACK, best-effort DISABLE on close.
type Server struct {
	opts Options

	mu    sync.RWMutex
	state ChannelState

	sock   zmq4.Socket
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the PAIR socket immediately. Bind failure indicates another
// instance already owns the port and is terminal — it is never retried
// (spec §4.5 "Failure").
func New(opts Options) (*Server, error) {
	if opts.ResendEvery <= 0 {
		opts.ResendEvery = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{opts: opts, ctx: ctx, cancel: cancel}

	endpoint := fmt.Sprintf("tcp://%s:%d", opts.Host, opts.ControlPort)
	sock := zmq4.NewPair(ctx)
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		cancel()
		s.state = StateError
		return nil, fmt.Errorf("control: bind %s: %w", endpoint, err)
	}
	s.sock = sock
	s.state = StateBound

	s.wg.Add(2)
	go s.resendLoop()
	go s.recvLoop()
	return s, nil
}

func (s *Server) resendLoop() {
	defer s.wg.Done()
	s.sendEnable()
	ticker := time.NewTicker(s.opts.ResendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendEnable()
		}
	}
}

func (s *Server) sendEnable() {
	frame := Frame{
		Action:      "ENABLE",
		SessionID:   s.opts.SessionID,
		IssuedAt:    time.Now().Unix(),
		LicenseHint: s.opts.LicenseHint,
		AppVersion:  s.opts.AppVersion,
		TerminalID:  s.opts.TerminalID,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.sock.Send(zmq4.NewMsg(payload))
}

func (s *Server) recvLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			s.mu.Lock()
			if s.state != StateClosed {
				s.state = StateError
			}
			s.mu.Unlock()
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(msg.Frames[0], &frame); err != nil {
			continue // non-JSON inbound is ignored (spec §4.5)
		}
		switch frame.Action {
		case "ACK", "CONNECTED":
			s.mu.Lock()
			s.state = StateConnected
			s.mu.Unlock()
		case "HEARTBEAT_ACK":
			// no-op
		}
	}
}

// State returns the current liveness-gate state.
func (s *Server) State() ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Close sends a best-effort DISABLE frame, then tears down the socket.
func (s *Server) Close(reason string) {
	frame := Frame{Action: "DISABLE", Reason: reason}
	if payload, err := json.Marshal(frame); err == nil {
		_ = s.sock.Send(zmq4.NewMsg(payload))
	}
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
	s.sock.Close()
	s.wg.Wait()
}
