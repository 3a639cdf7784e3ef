package channelreader

import (
	"context"
	"testing"
	"time"

	"hedgeedge/internal/domain"
	"hedgeedge/internal/portmgr"
	"hedgeedge/pkg/config"
)

type fakeTransport struct {
	connected bool
	result    domain.CommandResult
	err       error
	calls     []domain.CommandAction
	stopped   bool
}

func (f *fakeTransport) IsConnected() bool { return f.connected }
func (f *fakeTransport) SendCommand(ctx context.Context, cmd domain.Command) (domain.CommandResult, error) {
	f.calls = append(f.calls, cmd.Action)
	return f.result, f.err
}
func (f *fakeTransport) Stop() { f.stopped = true }

func testReader() (*Reader, *portmgr.Manager) {
	cfg := &config.Config{CommandTimeout: time.Second, ScanCacheTTL: 2 * time.Second}
	ports := portmgr.New(portmgr.Ranges{ZmqDataStart: 51810, ZmqDataEnd: 51840, ZmqDataStep: 10}, 0, 0)
	return New(cfg, ports, nil, nil), ports
}

func TestSendCommandNotConnected(t *testing.T) {
	r, _ := testReader()
	res := r.SendCommand(context.Background(), "missing", domain.Command{Action: domain.CmdPing})
	if res.Success || res.Error != "Terminal not connected" {
		t.Fatalf("expected not-connected failure, got %+v", res)
	}
}

func TestSendCommandRoutesToConnectedTransport(t *testing.T) {
	r, _ := testReader()
	ft := &fakeTransport{connected: true, result: domain.Ok()}
	c := &channel{terminalID: "t1", transport: ft}
	r.putChannel(c)

	res := r.Ping(context.Background(), "t1")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(ft.calls) != 1 || ft.calls[0] != domain.CmdPing {
		t.Fatalf("expected one PING call, got %+v", ft.calls)
	}
}

func TestSafeDisconnectAlwaysTearsDown(t *testing.T) {
	r, ports := testReader()
	ft := &fakeTransport{connected: true}
	c := &channel{terminalID: "t1", transport: ft}
	r.putChannel(c)
	ports.Allocate(51810, domain.OwnerZmqData, "t1")

	r.safeDisconnect("t1")

	if !ft.stopped {
		t.Fatal("expected transport.Stop() to be called")
	}
	if _, ok := r.getChannel("t1"); ok {
		t.Fatal("expected channel removed from map")
	}
	if _, ok := ports.Lookup(51810); ok {
		t.Fatal("expected port released by label")
	}
}

func TestEventFanOutAccountUpdateDoesNotEmit(t *testing.T) {
	r, _ := testReader()
	var emitted []UIEvent
	r.sink = func(ev UIEvent) { emitted = append(emitted, ev) }
	c := &channel{terminalID: "t1", transport: &fakeTransport{}}

	snap := domain.AccountSnapshot{AccountID: "a1"}
	r.onBridgeEvent(c, domain.Event{Type: domain.EventAccountUpdate, Snapshot: &snap})

	if len(emitted) != 0 {
		t.Fatalf("expected ACCOUNT_UPDATE to produce no UI emit, got %+v", emitted)
	}
	if c.cachedSnapshot().AccountID != "a1" {
		t.Fatal("expected snapshot cache to be overwritten")
	}
}

func TestEventFanOutPositionForwardsImmediately(t *testing.T) {
	r, _ := testReader()
	var emitted []UIEvent
	r.sink = func(ev UIEvent) { emitted = append(emitted, ev) }
	c := &channel{terminalID: "t1", transport: &fakeTransport{}}

	pos := domain.Position{ID: "p1"}
	r.onBridgeEvent(c, domain.Event{Type: domain.EventPositionOpened, Position: &pos})

	if len(emitted) != 1 || emitted[0].Type != UIPositionEvent {
		t.Fatalf("expected one position UI event, got %+v", emitted)
	}
}
