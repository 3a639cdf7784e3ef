//go:build windows

package pipeclient

import (
	"context"
	"io"

	"github.com/Microsoft/go-winio"
)

// platformDialer dials real Windows named pipes via go-winio.
type platformDialer struct{}

func (platformDialer) DialData(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	return winio.DialPipeContext(ctx, name)
}

func (platformDialer) DialCommand(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	return winio.DialPipeContext(ctx, name)
}
