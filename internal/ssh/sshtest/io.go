package sshtest

import "io"

// asyncRead continuously reads from r, passing everything read through the
// returned channel. The channel is closed on EOF or any other read error.
func asyncRead(r io.Reader) <-chan string {
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		buf := make([]byte, 1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				ch <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
