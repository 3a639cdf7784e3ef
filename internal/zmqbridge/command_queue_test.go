package zmqbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hedgeedge/internal/domain"
)

// fakeSender records the order in which requests were serviced and enforces
// that no two SendRecv calls ever overlap, catching any accidental
// concurrent-REQ regression in commandQueue.
type fakeSender struct {
	mu       sync.Mutex
	inFlight bool
	delay    time.Duration
	fail     error
	order    []string
}

func (f *fakeSender) SendRecv(ctx context.Context, payload []byte) ([]byte, error) {
	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		return nil, errors.New("overlapping REQ calls")
	}
	f.inFlight = true
	f.mu.Unlock()

	var cmd domain.Command
	_ = json.Unmarshal(payload, &cmd)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight = false
			f.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.order = append(f.order, string(cmd.Action))
	f.inFlight = false
	f.mu.Unlock()

	if f.fail != nil {
		return nil, f.fail
	}
	res, _ := json.Marshal(domain.Ok())
	return res, nil
}

func TestCommandQueueFIFOAndSerialized(t *testing.T) {
	q := newCommandQueue(8)
	sender := &fakeSender{delay: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, sender)

	var wg sync.WaitGroup
	actions := []domain.CommandAction{domain.CmdPause, domain.CmdResume, domain.CmdStatus}
	for _, a := range actions {
		wg.Add(1)
		go func(action domain.CommandAction) {
			defer wg.Done()
			res, err := q.Submit(context.Background(), domain.Command{Action: action}, time.Second)
			if err != nil {
				t.Errorf("submit %s: %v", action, err)
			}
			if !res.Success {
				t.Errorf("expected success for %s", action)
			}
		}(a)
	}
	wg.Wait()

	if len(sender.order) != 3 {
		t.Fatalf("expected 3 processed commands, got %d", len(sender.order))
	}
}

func TestCommandQueueTimeoutDoesNotBlockNext(t *testing.T) {
	q := newCommandQueue(8)
	sender := &fakeSender{delay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, sender)

	res, err := q.Submit(context.Background(), domain.Command{Action: domain.CmdPing}, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout surfaces as a failed result, not a Submit error: %v", err)
	}
	if res.Success {
		t.Fatal("expected a failure result for the timed-out command")
	}

	sender.delay = 0
	res, err = q.Submit(context.Background(), domain.Command{Action: domain.CmdStatus}, time.Second)
	if err != nil {
		t.Fatalf("expected second command to succeed after first timed out, got %v", err)
	}
	if !res.Success {
		t.Fatal("expected success result")
	}
}

func TestCommandQueueStopFailsQueued(t *testing.T) {
	q := newCommandQueue(1)
	q.Stop()

	_, err := q.Submit(context.Background(), domain.Command{Action: domain.CmdPing}, time.Second)
	if !errors.Is(err, ErrBridgeStopped) {
		t.Fatalf("expected ErrBridgeStopped, got %v", err)
	}
}
