// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package sec

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rknop/rkwebutil/pkg/uuid"
)

// ErrChallengeFailed is returned when a challenge response cannot be
// produced, typically because the private key does not match the public key
// the challenge was sealed under.
var ErrChallengeFailed = errors.New("sec: challenge decryption failed")

// IssueChallenge generates a random nonce and seals it under the user's
// public key with RSA-OAEP/SHA-256.
//
// It returns the plaintext nonce (to be stored server-side for comparison)
// and the base64 ciphertext (to be sent to the client). The nonce is a
// UUIDv4 string, so it is unguessable and single-use by construction.
func IssueChallenge(publicKeyPEM string) (nonce string, encrypted string, err error) {
	pub, err := ParsePublicPEM(publicKeyPEM)
	if err != nil {
		return "", "", err
	}

	nonce = uuid.New()

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(nonce), nil)
	if err != nil {
		return "", "", fmt.Errorf("sec: failed to encrypt challenge: %w", err)
	}

	return nonce, base64.StdEncoding.EncodeToString(ciphertext), nil
}

// AnswerChallenge decrypts a base64 RSA-OAEP challenge with the private key
// and returns the plaintext nonce. This is the client half of the handshake.
func AnswerChallenge(encryptedB64 string, privateKey *rsa.PrivateKey) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return "", ErrChallengeFailed
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return "", ErrChallengeFailed
	}

	return string(plaintext), nil
}
