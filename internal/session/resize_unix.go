//go:build !windows

package session

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cssh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// watchResize forwards local terminal size changes to the remote PTY until
// the returned func is called.
func watchResize(ctx context.Context, fd int, sess *cssh.Session) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ch:
				if w, h, err := term.GetSize(fd); err == nil {
					_ = sess.WindowChange(h, w)
				}
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
