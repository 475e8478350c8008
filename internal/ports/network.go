package ports

import (
	"context"
	"net"
)

// NetworkListener opens the sockets the SSH server accepts on.
type NetworkListener interface {
	// Listen announces on the local address. ctx bounds only the bind, not
	// the returned listener's lifetime.
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}
