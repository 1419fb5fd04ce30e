// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package sec implements the cryptographic core of the challenge-response
authentication protocol.

Three primitives, matched exactly on both ends of the wire:

  - Key derivation: PBKDF2-HMAC-SHA256, 100 000 iterations, 32-byte key.
  - Envelope: the user's RSA private key (PKCS#8 DER), AES-256-GCM encrypted
    under the password-derived key. The 16-byte GCM tag is appended to the
    ciphertext.
  - Challenge: a random UUID encrypted under the user's RSA public key with
    OAEP/SHA-256.

The server only ever runs the public-key half: it seals challenges and stores
envelopes opaquely. Opening an envelope and answering a challenge happen on
the client, which is the entire point of the protocol: the server never sees
the password or the private key.
*/
package sec

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// # Key Derivation Parameters
//
// These are wire-protocol constants shared with every client implementation.
// Changing any of them invalidates all stored envelopes.

const (
	// KDFIterations is the PBKDF2 iteration count. High on purpose: this is
	// the only brute-force barrier between a stolen envelope and the private key.
	KDFIterations = 100000

	// KDFKeyLen is the derived AES key length in bytes (AES-256).
	KDFKeyLen = 32

	// SaltLen is the random salt length in bytes.
	SaltLen = 16
)

// DeriveKey stretches a password into a symmetric envelope key.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KDFIterations, KDFKeyLen, sha256.New)
}

// NewSalt generates a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("sec: failed to generate salt: %w", err)
	}
	return salt, nil
}
