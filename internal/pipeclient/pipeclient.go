// Package pipeclient is the named-pipe equivalent of zmqbridge for
// cTrader-style terminals: a data pipe carrying newline-delimited JSON
// account snapshots, and a command pipe for one-at-a-time request/response.
// Grounded on the teacher's internal/gateway connect/reconnect lifecycle,
// re-targeted from a TCP/WS exchange link to a platform named pipe.
package pipeclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"hedgeedge/internal/domain"
)

// maxBufferBytes is the data-pipe read buffer cap; on overflow the buffer is
// cleared and reading continues rather than growing unbounded (spec §4.4).
const maxBufferBytes = 1 << 20

// ErrPipeClosed is what SendCommand returns when the command pipe cannot be
// dialed or the write or reply read on it fails (spec §4.4 "Reconnect").
// Each command dials its own command-pipe connection; a data-pipe close does
// not fail commands already in progress.
var ErrPipeClosed = errors.New("pipe closed")

// FrameKind discriminates a decoded data-pipe line.
type FrameKind int

const (
	FrameSnapshot FrameKind = iota
	FrameLicenseStatus
	FrameGoodbye
	FrameUnknown
)

// DataFrame is one decoded data-pipe line.
type DataFrame struct {
	Kind        FrameKind
	Snapshot    domain.AccountSnapshot
	LicenseOK   bool
	LicenseNote string
}

type wireLine struct {
	Type        string               `json:"type"`
	LicenseOK   bool                 `json:"licenseOk,omitempty"`
	LicenseNote string               `json:"note,omitempty"`
	Platform    domain.Platform      `json:"platform"`
	AccountID   string               `json:"accountId"`
	Broker      string               `json:"broker"`
	Server      string               `json:"server"`
	Balance     float64              `json:"balance"`
	Margin      float64              `json:"margin"`
	FreeMargin  float64              `json:"freeMargin"`
	FloatingPnL float64              `json:"floatingPnL"`
	Currency    string               `json:"currency"`
	Leverage    int                  `json:"leverage"`
	Positions   []domain.Position    `json:"positions"`
}

func decodeLine(line []byte) (DataFrame, error) {
	var w wireLine
	if err := json.Unmarshal(line, &w); err != nil {
		return DataFrame{}, err
	}
	switch w.Type {
	case "LICENSE_STATUS":
		return DataFrame{Kind: FrameLicenseStatus, LicenseOK: w.LicenseOK, LicenseNote: w.LicenseNote}, nil
	case "GOODBYE":
		return DataFrame{Kind: FrameGoodbye}, nil
	default:
		snap := domain.AccountSnapshot{
			Platform: w.Platform, AccountID: w.AccountID, Broker: w.Broker, Server: w.Server,
			Balance: w.Balance, Margin: w.Margin, FreeMargin: w.FreeMargin, FloatingPnL: w.FloatingPnL,
			Currency: w.Currency, Leverage: w.Leverage, Positions: w.Positions, Status: domain.StatusConnected,
		}
		snap.Normalize()
		return DataFrame{Kind: FrameSnapshot, Snapshot: snap}, nil
	}
}

// pipeDialer is satisfied by the platform-specific dialers in
// pipeclient_windows.go / pipeclient_other.go.
type pipeDialer interface {
	DialData(ctx context.Context, name string) (io.ReadWriteCloser, error)
	DialCommand(ctx context.Context, name string) (io.ReadWriteCloser, error)
}

// Options configures one PipeClient.
type Options struct {
	TerminalID        string
	DataPipeName      string
	CommandPipeName   string
	CommandTimeout    time.Duration // default 5s
	ReconnectInterval time.Duration // default 5s
	FrameSink         func(DataFrame)
}

func (o *Options) applyDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
}

// PipeClient owns a data-pipe read loop and a single-in-flight command pipe.
type PipeClient struct {
	opts   Options
	dialer pipeDialer

	mu        sync.Mutex
	connected bool
	lastSeen  time.Time

	cmdMu   sync.Mutex // serializes command pipe use, enforcing one-at-a-time FIFO
	pending chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a client with the default platform dialer.
func New(opts Options) *PipeClient {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &PipeClient{opts: opts, dialer: platformDialer{}, ctx: ctx, cancel: cancel, pending: make(chan struct{}, 1)}
}

// Start dials the data pipe and launches the read loop with reconnect.
func (c *PipeClient) Start() {
	c.wg.Add(1)
	go c.dataLoop()
}

func (c *PipeClient) dataLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		conn, err := c.dialer.DialData(c.ctx, c.opts.DataPipeName)
		if err != nil {
			if !c.sleepOrDone(c.opts.ReconnectInterval) {
				return
			}
			continue
		}
		c.mu.Lock()
		c.connected = true
		c.lastSeen = time.Now()
		c.mu.Unlock()

		c.readFrames(conn)

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		conn.Close()

		if !c.sleepOrDone(c.opts.ReconnectInterval) {
			return
		}
	}
}

func (c *PipeClient) sleepOrDone(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// readFrames accumulates raw bytes into buf and extracts newline-delimited
// lines as they complete. A line that never terminates before the buffer
// hits maxBufferBytes is discarded wholesale rather than grown without
// bound (spec §4.4 "Buffer with a 1 MiB cap; on overflow clear buffer and
// continue").
func (c *PipeClient) readFrames(conn io.ReadWriteCloser) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				c.emitLine(buf[:idx])
				buf = buf[idx+1:]
			}
			if len(buf) > maxBufferBytes {
				buf = buf[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (c *PipeClient) emitLine(line []byte) {
	if len(line) == 0 {
		return
	}
	frame, err := decodeLine(line)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
	if c.opts.FrameSink != nil {
		c.opts.FrameSink(frame)
	}
}

// IsConnected reports data-pipe connectivity.
func (c *PipeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendCommand dials the command pipe, writes cmd as a JSON line, and reads
// one JSON-line reply, all within CommandTimeout. Callers are serialized by
// cmdMu, preserving FIFO ordering through the one-at-a-time discipline
// (spec §4.4 "Command pipe").
func (c *PipeClient) SendCommand(ctx context.Context, cmd domain.Command) (domain.CommandResult, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	conn, err := c.dialer.DialCommand(cctx, c.opts.CommandPipeName)
	if err != nil {
		return domain.CommandResult{}, ErrPipeClosed
	}
	defer conn.Close()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return domain.CommandResult{}, err
	}
	payload = append(payload, '\n')

	type outcome struct {
		res domain.CommandResult
		err error
	}
	doneC := make(chan outcome, 1)
	go func() {
		if _, err := conn.Write(payload); err != nil {
			doneC <- outcome{err: ErrPipeClosed}
			return
		}
		reader := bufio.NewReader(conn)
		line, err := reader.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			doneC <- outcome{err: ErrPipeClosed}
			return
		}
		var res domain.CommandResult
		if err := json.Unmarshal(trimNewline(line), &res); err != nil {
			doneC <- outcome{err: err}
			return
		}
		doneC <- outcome{res: res}
	}()

	select {
	case o := <-doneC:
		return o.res, o.err
	case <-cctx.Done():
		return domain.CommandResult{}, cctx.Err()
	}
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}

// Stop tears down the data loop. Any in-flight SendCommand fails naturally
// once its dial or read errors.
func (c *PipeClient) Stop() {
	c.cancel()
	c.wg.Wait()
}
