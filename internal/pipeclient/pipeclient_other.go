//go:build !windows

package pipeclient

import (
	"context"
	"io"
	"net"
)

// platformDialer falls back to Unix domain sockets on non-Windows
// platforms. Production terminals are Windows-only (cTrader/MT run there);
// this exists so the bridge is buildable and testable in CI and on
// developer machines without a Windows named-pipe backend.
type platformDialer struct{}

func (platformDialer) DialData(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", name)
}

func (platformDialer) DialCommand(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", name)
}
