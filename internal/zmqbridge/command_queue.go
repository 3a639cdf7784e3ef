package zmqbridge

import (
	"context"
	"errors"
	"time"

	"hedgeedge/internal/domain"
)

// ErrBridgeStopped is returned to every queued request when the bridge tears
// down (spec §9 "Command queue… On bridge teardown, all queued requests fail
// with 'bridge stopped'").
var ErrBridgeStopped = errors.New("bridge stopped")

// reqSender is the minimal REQ-socket surface the command queue drives.
// Abstracted so tests can substitute a fake without a real ZMQ socket.
type reqSender interface {
	SendRecv(ctx context.Context, payload []byte) ([]byte, error)
}

// pendingCommand is one queued REQ/REP exchange.
type pendingCommand struct {
	cmd     domain.Command
	timeout time.Duration
	resultC chan commandOutcome
}

type commandOutcome struct {
	result domain.CommandResult
	err    error
}

// commandQueue enforces the ZMQ REQ strict send-then-receive ordering: one
// outstanding request in flight at a time, FIFO, each with its own timeout
// that rejects only that call (spec §4.2 "Request socket / command queue").
// Grounded on the teacher's internal/order.Queue channel-drain shape,
// generalized from fire-and-forget order enqueue to synchronous
// request/response.
type commandQueue struct {
	requests chan *pendingCommand
	done     chan struct{}
}

func newCommandQueue(bufSize int) *commandQueue {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &commandQueue{
		requests: make(chan *pendingCommand, bufSize),
		done:     make(chan struct{}),
	}
}

// Submit enqueues cmd and blocks until it is processed, times out, or the
// queue is stopped.
func (q *commandQueue) Submit(ctx context.Context, cmd domain.Command, timeout time.Duration) (domain.CommandResult, error) {
	pc := &pendingCommand{cmd: cmd, timeout: timeout, resultC: make(chan commandOutcome, 1)}
	select {
	case <-q.done:
		return domain.CommandResult{}, ErrBridgeStopped
	default:
	}
	select {
	case q.requests <- pc:
	case <-q.done:
		return domain.CommandResult{}, ErrBridgeStopped
	case <-ctx.Done():
		return domain.CommandResult{}, ctx.Err()
	}

	select {
	case out := <-pc.resultC:
		return out.result, out.err
	case <-q.done:
		return domain.CommandResult{}, ErrBridgeStopped
	case <-ctx.Done():
		return domain.CommandResult{}, ctx.Err()
	}
}

// Run drains the queue one request at a time against sender until ctx is
// canceled or Stop is called. It is the bridge's single command-processing
// goroutine, guaranteeing at most one REQ/REP exchange in flight.
func (q *commandQueue) Run(ctx context.Context, sender reqSender) {
	for {
		select {
		case <-ctx.Done():
			q.drainWithError(ErrBridgeStopped)
			return
		case <-q.done:
			q.drainWithError(ErrBridgeStopped)
			return
		case pc := <-q.requests:
			q.process(ctx, sender, pc)
		}
	}
}

func (q *commandQueue) process(ctx context.Context, sender reqSender, pc *pendingCommand) {
	cctx, cancel := context.WithTimeout(ctx, pc.timeout)
	defer cancel()

	payload, err := encodeCommand(pc.cmd)
	if err != nil {
		pc.resultC <- commandOutcome{err: err}
		return
	}

	raw, err := sender.SendRecv(cctx, payload)
	if err != nil {
		pc.resultC <- commandOutcome{result: domain.Failure(err.Error()), err: nil}
		return
	}

	result, err := decodeResult(raw)
	if err != nil {
		pc.resultC <- commandOutcome{result: domain.Failure("protocol: " + err.Error())}
		return
	}
	pc.resultC <- commandOutcome{result: result}
}

func (q *commandQueue) drainWithError(err error) {
	for {
		select {
		case pc := <-q.requests:
			pc.resultC <- commandOutcome{err: err}
		default:
			return
		}
	}
}

// Stop signals Run to exit and fails every request still queued.
func (q *commandQueue) Stop() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
