package ready

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (*net.TCPListener, uint16) {
	t.Helper()
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return l, uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestProbeTCP(t *testing.T) {
	l, port := listen(t)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	require.NoError(t, ProbeTCP(t.Context(), "127.0.0.1", port))

	// Nothing listens once the listener is closed.
	require.NoError(t, l.Close())
	assert.Error(t, ProbeTCP(t.Context(), "127.0.0.1", port))
}
