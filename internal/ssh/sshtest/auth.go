package sshtest

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = fmt.Errorf("public key is not authorized")

// PublicKeyCallback accepts only the given public keys, the way an
// authorized_keys file would.
func PublicKeyCallback(allowedPubKeys ...ssh.PublicKey) PubKeyCallback {
	marshaled := make([][]byte, len(allowedPubKeys))
	for i, k := range allowedPubKeys {
		marshaled[i] = k.Marshal()
	}
	return func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		offered := key.Marshal()
		for _, m := range marshaled {
			if bytes.Equal(m, offered) {
				return nil, nil
			}
		}
		return nil, ErrUnauthorized
	}
}
