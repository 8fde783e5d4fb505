package session

import (
	"context"
	"os"

	"github.com/chainguard-dev/clog"
	cssh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const (
	defaultTerm   = "xterm-256color"
	defaultWidth  = 80
	defaultHeight = 24
)

// interactive starts a login shell. When stdin is a terminal the remote side
// gets a PTY of the same size, and the local terminal is put in raw mode for
// the duration.
func (r *Runner) interactive(ctx context.Context, sess *cssh.Session) error {
	log := clog.FromContext(ctx)

	if f, ok := r.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())

		width, height, err := term.GetSize(fd)
		if err != nil {
			width, height = defaultWidth, defaultHeight
		}
		termType := os.Getenv("TERM")
		if termType == "" {
			termType = defaultTerm
		}
		modes := cssh.TerminalModes{
			cssh.ECHO:          1,
			cssh.TTY_OP_ISPEED: 14400,
			cssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty(termType, height, width, modes); err != nil {
			return err
		}

		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer func() {
			if err := term.Restore(fd, state); err != nil {
				log.Warn("failed to restore terminal", "error", err)
			}
		}()

		stop := watchResize(ctx, fd, sess)
		defer stop()
	} else {
		log.Debug("stdin is not a terminal, starting shell without a PTY")
	}

	if err := sess.Shell(); err != nil {
		return err
	}
	return sess.Wait()
}
