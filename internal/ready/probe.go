package ready

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
)

// ProbeFunc checks whether something is listening on host:port.
type ProbeFunc func(ctx context.Context, host string, port uint16) error

var dialer = &net.Dialer{
	Timeout: 3 * time.Second,
}

// ProbeTCP is the default ProbeFunc: a plain TCP connect, closed immediately.
func ProbeTCP(ctx context.Context, host string, port uint16) error {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	log := clog.FromContext(ctx).With("target", target)

	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug("target is not yet reachable", "error", err)
		return err
	}
	if err := conn.Close(); err != nil {
		log.Warn("encountered error closing TCP connection", "error", err)
	}
	log.Debug("target is now reachable")
	return nil
}
