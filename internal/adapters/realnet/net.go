// Package realnet provides the real implementation of the NetworkListener port.
package realnet

import (
	"context"
	"net"
	"time"

	"github.com/acolita/tuibridge/internal/ports"
)

// DefaultKeepAlive is the TCP keep-alive period of accepted connections. It
// lets a session notice a client that vanished without closing its channel.
const DefaultKeepAlive = 30 * time.Second

// Listener implements ports.NetworkListener with net.ListenConfig.
type Listener struct {
	lc net.ListenConfig
}

// NewListener returns a Listener using DefaultKeepAlive.
func NewListener() *Listener {
	return NewListenerWithKeepAlive(DefaultKeepAlive)
}

// NewListenerWithKeepAlive returns a Listener whose accepted connections use
// the given keep-alive period. A negative period disables keep-alives.
func NewListenerWithKeepAlive(d time.Duration) *Listener {
	return &Listener{lc: net.ListenConfig{KeepAlive: d}}
}

// Listen announces on the local network address.
func (l *Listener) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	return l.lc.Listen(ctx, network, address)
}

var _ ports.NetworkListener = (*Listener)(nil)
