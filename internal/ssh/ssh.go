package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying SSH connection
// construction and SSH command execution/sequencing.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds the TCP connect and the SSH handshake.
const DefaultTimeout = 10 * time.Second

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
)

// Connect establishes an SSH connection to 'host' on TCP port 'port'.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'host' is
// an empty string, ipv4 loopback is used. If 'port' is 0, 22 is used.
//
// 'keypair' is used for public key authentication when connecting to 'host'.
//
// Any values provided to 'hostKeys' will be used to compare against the host
// key offered by 'host'. If none are provided the offered key is trusted on
// first use and its SHA256 fingerprint logged.
//
// Cancelling ctx aborts the dial and the handshake; it has no effect on the
// returned client.
func Connect(ctx context.Context, host string, port uint16, user string, keypair ssh.Signer, hostKeys ...ssh.PublicKey) (*ssh.Client, error) {
	log := clog.FromContext(ctx)
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 22
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(keypair),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fingerprint := ssh.FingerprintSHA256(key)
			if len(hostKeys) == 0 {
				log.Info("accepting host key on first use", "host", hostname, "type", key.Type(), "fingerprint", fingerprint)
				return nil
			}
			for _, hostKey := range hostKeys {
				if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
					return nil
				}
			}
			return fmt.Errorf("%w: %s", ErrHostKeyInvalid, fingerprint)
		},
		Timeout: DefaultTimeout,
	}

	target, err := joinHostPort(ctx, host, port)
	if err != nil {
		return nil, err
	}

	client, err := dialContext(ctx, target, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	return client, nil
}

// dialContext is ssh.Dial with the dial and the handshake bound to ctx.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	// The handshake has no context of its own: bound it by deadline, and
	// close the conn if ctx ends first.
	_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			_ = c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, it is resolved and the first address is used.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	if addr := net.ParseIP(host); addr != nil {
		return net.JoinHostPort(addr.String(), strconv.Itoa(int(port))), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
	}
	if net.ParseIP(addrs[0]) == nil {
		return "", fmt.Errorf("%w: %s resolved to %s", ErrFailedHostParse, host, addrs[0])
	}
	return joinHostPort(ctx, addrs[0], port)
}

var (
	ErrSessionInit    = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec        = fmt.Errorf("failed to execute SSH command")
	ErrInWait         = fmt.Errorf("SSH command did not exit cleanly")
	ErrStdinWrite     = fmt.Errorf("failed to write command to stdin")
	ErrStdStreamClose = fmt.Errorf("encountered error closing standard stream")
)

// ExecIn executes all provided commands, in order, within one 'shell'
// process. Output is streamed to stdout and stderr as it arrives; either may
// be nil to discard it.
//
// A non-zero exit of the shell is returned wrapped in ErrInWait, with the
// '*ssh.ExitError' reachable via errors.As.
func ExecIn(client *ssh.Client, stdout, stderr io.Writer, shell Shell, cmds ...string) error {
	cmd := "/usr/bin/env " + shell
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	// We use 'io.Pipe' here to ensure the 'session' reads match 1:1 with our
	// stdin writes (sequenced commands).
	stdinr, stdinw := io.Pipe()
	defer stdinr.Close()
	defer stdinw.Close()
	session.Stdin = stdinr
	session.Stdout = stdout
	session.Stderr = stderr

	if err = session.Start(cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	for _, cmd := range cmds {
		if _, err := stdinw.Write([]byte(cmd + "\n")); err != nil {
			return fmt.Errorf("%w: %w", ErrStdinWrite, err)
		}
	}
	// Closing the writer signals EOF to the remote shell, which then exits.
	if err = stdinw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStdStreamClose, err)
	}
	if err = session.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInWait, err)
	}
	return nil
}
