// Package netcheck answers "can this proxy server be reached".
package netcheck

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

type Networking interface {
	IsServerReachable(ctx context.Context, host string, port int) (bool, error)
}

// Dialer checks reachability with a plain TCP connect.
type Dialer struct {
	Timeout time.Duration // default 10s
}

func (d Dialer) IsServerReachable(ctx context.Context, host string, port int) (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		// Cancellation by the caller is an error; everything else just means
		// the server cannot be reached right now.
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}
