package zmqbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"hedgeedge/internal/domain"
)

func encodeCommand(cmd domain.Command) ([]byte, error) {
	return json.Marshal(cmd)
}

func decodeResult(raw []byte) (domain.CommandResult, error) {
	var res domain.CommandResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.CommandResult{}, err
	}
	return res, nil
}

// zmqReqSender drives a single zmq4 REQ socket, enforcing the protocol's
// strict send-then-receive alternation (a REQ socket errors if Send is
// called twice without an intervening Recv). It implements reqSender.
type zmqReqSender struct {
	sock zmq4.Socket
}

func newZmqReqSender(ctx context.Context, endpoint string) (*zmqReqSender, error) {
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmqbridge: dial REQ %s: %w", endpoint, err)
	}
	return &zmqReqSender{sock: sock}, nil
}

func (s *zmqReqSender) SendRecv(ctx context.Context, payload []byte) ([]byte, error) {
	if err := s.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return nil, fmt.Errorf("zmqbridge: send command: %w", err)
	}

	type recvResult struct {
		msg zmq4.Msg
		err error
	}
	recvC := make(chan recvResult, 1)
	go func() {
		msg, err := s.sock.Recv()
		recvC <- recvResult{msg: msg, err: err}
	}()

	select {
	case r := <-recvC:
		if r.err != nil {
			return nil, fmt.Errorf("zmqbridge: recv command reply: %w", r.err)
		}
		if len(r.msg.Frames) == 0 {
			return nil, fmt.Errorf("zmqbridge: empty command reply")
		}
		return r.msg.Frames[0], nil
	case <-ctx.Done():
		// The REQ socket is now desynchronized (a reply may still arrive for
		// a request the caller gave up on); the bridge recreates it on the
		// next command rather than reuse a socket mid-cycle.
		s.sock.Close()
		return nil, ctx.Err()
	}
}

func (s *zmqReqSender) Close() error {
	return s.sock.Close()
}
