//go:build windows

package session

import (
	"context"

	cssh "golang.org/x/crypto/ssh"
)

// watchResize is a no-op: there is no SIGWINCH on windows.
func watchResize(context.Context, int, *cssh.Session) func() {
	return func() {}
}
