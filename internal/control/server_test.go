package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

func TestFrameJSONRoundTrip(t *testing.T) {
	f := Frame{Action: "ENABLE", SessionID: "s1", IssuedAt: 42, TerminalID: "t1"}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Frame
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestServerSendsEnableOnBindAndTracksAck(t *testing.T) {
	srv, err := New(Options{
		Host: "127.0.0.1", ControlPort: 51895, TerminalID: "t1",
		SessionID: "sess1", AppVersion: "1.0", ResendEvery: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close("test teardown")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peer := zmq4.NewPair(ctx)
	if err := peer.Dial("tcp://127.0.0.1:51895"); err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer peer.Close()

	msg, err := peer.Recv()
	if err != nil {
		t.Fatalf("peer recv ENABLE: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(msg.Frames[0], &frame); err != nil {
		t.Fatalf("decode ENABLE frame: %v", err)
	}
	if frame.Action != "ENABLE" || frame.SessionID != "sess1" {
		t.Fatalf("unexpected ENABLE frame: %+v", frame)
	}

	ack, _ := json.Marshal(Frame{Action: "ACK"})
	if err := peer.Send(zmq4.NewMsg(ack)); err != nil {
		t.Fatalf("peer send ACK: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.State() == StateConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected state CONNECTED after ACK, got %s", srv.State())
}

func TestChannelStateConstants(t *testing.T) {
	states := []ChannelState{StateBound, StateConnected, StateError, StateClosed}
	seen := map[ChannelState]bool{}
	for _, s := range states {
		if seen[s] {
			t.Fatalf("duplicate state value %q", s)
		}
		seen[s] = true
	}
}
