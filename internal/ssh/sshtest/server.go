// Package sshtest provides an in-process SSH server for tests of code that
// dials real SSH connections.
package sshtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

type (
	// Server is an in-process SSH server for tests. It listens on an
	// ephemeral loopback port and answers "exec" and "shell" requests with
	// whatever its Handler returns.
	Server struct {
		// Config may be modified prior to calling ListenAndServe.
		Config *ssh.ServerConfig
		// Handler produces the reply to each exec or shell request. It runs
		// after the client has closed stdin. Defaults to exit status 0 and no
		// output.
		Handler func(Exec) Reply

		listener net.Listener
		cancel   context.CancelFunc
		wg       sync.WaitGroup
	}

	// PubKeyCallback is the function called when the server receives an
	// authentication attempt via public key. Any non-nil error returned will
	// immediately abort the connection.
	PubKeyCallback func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)

	// Exec describes one program the client asked the server to run.
	Exec struct {
		// Type is "exec" or "shell".
		Type string
		// Command is the exec payload; empty for a shell.
		Command string
		// Stdin holds every non-blank line the client wrote before EOF.
		Stdin []string
		// PTY reports whether a pseudo-terminal was requested first.
		PTY bool
		// WindowChanges counts window-change requests received.
		WindowChanges int
	}

	Reply struct {
		Stdout string
		Stderr string
		Status uint32
	}

	// ExecChannel produces a copy of every completed Exec.
	ExecChannel <-chan Exec
)

func NewServer(t *testing.T, signer ssh.Signer, fn PubKeyCallback) (*Server, error) {
	if t == nil {
		return nil, fmt.Errorf("no *testing.T provided in call to NewServer")
	}
	if fn == nil || signer == nil {
		return nil, fmt.Errorf("a public key callback and a host key signer are required")
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: fn,
	}
	config.AddHostKey(signer)
	return &Server{Config: config}, nil
}

// ListenAndServe starts accepting connections on 127.0.0.1 and returns a
// channel of completed execs. The channel is never closed.
func (s *Server) ListenAndServe(t *testing.T, ctx context.Context) (ExecChannel, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}
	s.listener = l

	ctx, s.cancel = context.WithCancel(ctx)
	execs := make(chan Exec, 64)

	s.wg.Go(func() {
		<-ctx.Done()
		_ = l.Close()
	})
	s.wg.Go(func() { s.serve(t, ctx, execs) })
	return execs, nil
}

// Port is the TCP port chosen by ListenAndServe.
func (s *Server) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

func (s *Server) serve(t *testing.T, ctx context.Context, execs chan<- Exec) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.Logf("mock ssh: accept: %v", err)
			}
			return
		}
		s.wg.Go(func() { s.handleConn(t, ctx, conn, execs) })
	}
}

// handleConn performs the SSH handshake and accepts "session" channels.
func (s *Server) handleConn(t *testing.T, ctx context.Context, conn net.Conn, execs chan<- Exec) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.Config)
	if err != nil {
		// Rejected authentication ends up here; that is a normal outcome.
		t.Logf("mock ssh: handshake: %v", err)
		_ = conn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	// Closing the connection unblocks the channel loop below on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = sshConn.Close() })
	defer stop()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, chanReqs, err := newChannel.Accept()
		if err != nil {
			t.Logf("mock ssh: accept channel: %v", err)
			continue
		}
		s.wg.Go(func() { s.handleChannel(ctx, channel, chanReqs, execs) })
	}
}

// handleChannel answers in-band requests and collects stdin. Once a program
// was started and the client closed stdin, the Handler's reply is written,
// the exit status sent and the channel closed.
func (s *Server) handleChannel(ctx context.Context, channel ssh.Channel, reqs <-chan *ssh.Request, execs chan<- Exec) {
	defer channel.Close()

	var (
		exec    Exec
		started bool
		eof     bool
	)
	stdin := asyncRead(channel)

	for !(started && eof) {
		select {
		case <-ctx.Done():
			return

		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				exec.Type, exec.Command, started = "exec", payload.Command, true
				_ = req.Reply(true, nil)
			case "shell":
				exec.Type, started = "shell", true
				_ = req.Reply(true, nil)
			case "pty-req":
				exec.PTY = true
				_ = req.Reply(true, nil)
			case "window-change":
				exec.WindowChanges++
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
			case "env":
				_ = req.Reply(true, nil)
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}

		case msg, more := <-stdin:
			if !more {
				eof, stdin = true, nil
				continue
			}
			for line := range strings.SplitSeq(msg, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					exec.Stdin = append(exec.Stdin, line)
				}
			}
		}
	}

	reply := Reply{}
	if s.Handler != nil {
		reply = s.Handler(exec)
	}
	if reply.Stdout != "" {
		_, _ = channel.Write([]byte(reply.Stdout))
	}
	if reply.Stderr != "" {
		_, _ = channel.Stderr().Write([]byte(reply.Stderr))
	}
	_, _ = channel.SendRequest("exit-status", false, marshalExitStatus(reply.Status))

	select {
	case execs <- exec:
	default:
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'ListenAndServe' first",
)

// Shutdown stops the listener, drops every connection and waits for all
// goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel == nil {
		return ErrServerNotStarted
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
