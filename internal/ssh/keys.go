package ssh

// keys.go wraps 'crypto/ed25519' and the key parsing bits of 'x/crypto/ssh'.
//
// Clients need an 'ssh.Signer' for authentication, which is what ParseKey and
// LoadKey produce from an OpenSSH private key. ED25519 pairs are generated for
// throwaway identities, e.g. the host and user keys of the mock server.
//
// NOTE: 'x/crypto/ssh' has no 'PrivateKey' type; the 'Signer' interface fills
// that role.

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen         = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrPubKeyConv     = fmt.Errorf("failed to convert the 'ed25519.PublicKey' to 'ssh.PublicKey'")
	ErrPubKeyMarshal  = fmt.Errorf("failed to marshal the 'ssh.PublicKey' to OpenSSH format")
	ErrPrivKeyMarshal = fmt.Errorf("failed to marshal the 'ssh.PrivateKey' to OpenSSH format")
	ErrPEMEncode      = fmt.Errorf("failed to PEM-encode the ssh.PrivateKey")
)

// NewED25519KeyPair generates a 'crypto/ed25519' public+private key pair.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{
		Public:  ED25519PublicKey{key: pub},
		Private: ED25519PrivateKey{key: priv},
	}, nil
}

type ED25519KeyPair struct {
	Public  ED25519PublicKey
	Private ED25519PrivateKey
}

type ED25519PublicKey struct {
	key ed25519.PublicKey
}

// ToSSH converts the 'ed25519.PublicKey' to an 'ssh.PublicKey'.
func (pubKey ED25519PublicKey) ToSSH() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(pubKey.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// MarshalOpenSSH marshals the public key to the 'authorized_keys' format.
func (pubKey ED25519PublicKey) MarshalOpenSSH() ([]byte, error) {
	publicKey, err := pubKey.ToSSH()
	if err != nil {
		return nil, err
	}
	marshaled := ssh.MarshalAuthorizedKey(publicKey)
	if marshaled == nil {
		return nil, ErrPubKeyMarshal
	}
	return marshaled, nil
}

type ED25519PrivateKey struct {
	key ed25519.PrivateKey
}

// MarshalOpenSSH marshals the private key to the OpenSSH PEM format. A
// non-empty passphrase encrypts it.
func (privKey ED25519PrivateKey) MarshalOpenSSH(comment string, passphrase []byte) ([]byte, error) {
	var (
		block *pem.Block
		err   error
	)
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(privKey.key, comment, passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(privKey.key, comment)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	encoded := pem.EncodeToMemory(block)
	if encoded == nil {
		return nil, ErrPEMEncode
	}
	return encoded, nil
}

// ToSSH converts the 'ed25519.PrivateKey' to an 'ssh.Signer'.
func (privKey ED25519PrivateKey) ToSSH() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(privKey.key)
}

var (
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrSSHKeyRead        = fmt.Errorf("failed to read SSH private key")
	ErrSSHKeyPassphrase  = fmt.Errorf("SSH private key is encrypted and no passphrase was given")
)

// ParseKey attempts to parse the provided 'key' value as a PEM-encoded OpenSSH
// format private key.
//
// If 'phrase' is nil or an empty slice, the key parse will be attempted
// assuming no encryption.
// If 'phrase' is provided, the key will be parsed assuming encryption. If that
// fails the parse will be reattempted assuming no encryption.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrSSHFailedKeyParse)
	}
	if len(phrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		// The key may simply not be encrypted.
		if signer, perr := ssh.ParsePrivateKey(key); perr == nil {
			return signer, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %w", ErrSSHKeyPassphrase, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// LoadKey reads and parses the private key at path.
func LoadKey(path string, phrase []byte) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHKeyRead, err)
	}
	return ParseKey(key, phrase)
}
