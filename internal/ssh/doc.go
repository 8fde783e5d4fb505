// ssh implements a facade over the 'x/crypto/ssh' package, simplifying the
// following workflows:
//   - loading and parsing (optionally encrypted) private keys
//   - SSH client construction with context-aware dialing
//   - sequenced command execution in a remote shell
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
