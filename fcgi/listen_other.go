//go:build !linux

package fcgi

import (
	"context"
	"net"
)

// listenSocket falls back to the net package. The backlog is left to the
// platform default.
func listenSocket(network, addr string, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), network, addr)
}
