package common

import (
	"net"
	"time"
)

// Dialer opens outbound sockets. Dial must eventually return on its own: the
// connect timeout upstream bounds how long a stream waits for the socket, not
// how long Dial may run, and the goroutine that collects an abandoned dial's
// result lives until Dial returns.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// NewTCPDialer returns a Dialer for outbound sockets with sane keepalive and
// an upper bound on how long one dial attempt may take.
func NewTCPDialer(timeout time.Duration) Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
}
