// Package netutil holds small networking helpers shared by the servers.
package netutil

import (
	"fmt"
	"net"
)

// ListenWithFallback listens on the preferred TCP port, or on a random free
// port when the preferred one is taken. Returns the listener and the port
// actually bound.
func ListenWithFallback(preferredPort string) (net.Listener, int, error) {
	lis, err := net.Listen("tcp", ":"+preferredPort)
	if err == nil {
		return lis, lis.Addr().(*net.TCPAddr).Port, nil
	}

	lis, err = net.Listen("tcp", ":0")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to listen on port %s or a fallback port: %w", preferredPort, err)
	}
	return lis, lis.Addr().(*net.TCPAddr).Port, nil
}
