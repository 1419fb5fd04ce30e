// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package sec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// IVLen is the AES-GCM nonce length in bytes. 12 bytes is the GCM standard
// and what every client implementation uses.
const IVLen = 12

// ErrDecryption is returned when an envelope fails to open. A GCM tag
// mismatch means either a wrong password or corrupted data; the two are
// deliberately indistinguishable so that decryption cannot be used as a
// password oracle.
var ErrDecryption = errors.New("sec: envelope decryption failed")

// Envelope is a user's private key, symmetric-encrypted under a key derived
// from their password.
//
// All fields are base64 strings: the envelope travels verbatim between the
// database JSONB column, the getchallenge response, and the changepassword
// request. Privkey holds ciphertext||tag.
//
// # Invariant
//
// The server treats an Envelope as an opaque blob. It never holds the
// password needed to open one.
type Envelope struct {
	Privkey string `json:"privkey"`
	Salt    string `json:"salt"`
	IV      string `json:"iv"`
}

// NewIV generates a fresh random GCM nonce.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("sec: failed to generate iv: %w", err)
	}
	return iv, nil
}

// Seal encrypts a private key (PKCS#8 DER) into an [Envelope] using the
// given derived key, salt, and iv. Only the password-reset flow and offline
// provisioning tools call this; normal operation never re-encrypts.
func Seal(privkeyDER, key, salt, iv []byte) (*Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Seal appends the 16-byte auth tag to the ciphertext, which is exactly
	// the layout the protocol requires.
	sealed := gcm.Seal(nil, iv, privkeyDER, nil)

	return &Envelope{
		Privkey: base64.StdEncoding.EncodeToString(sealed),
		Salt:    base64.StdEncoding.EncodeToString(salt),
		IV:      base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// SealWithPassword derives a key from the password with a fresh salt and iv,
// then seals the private key.
func SealWithPassword(privkeyDER []byte, password string) (*Envelope, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	iv, err := NewIV()
	if err != nil {
		return nil, err
	}
	return Seal(privkeyDER, DeriveKey(password, salt), salt, iv)
}

// Open decrypts an [Envelope] with a derived key and returns the private key
// bytes (PKCS#8 DER).
//
// Every failure mode (bad base64, truncated ciphertext, tag mismatch)
// collapses to [ErrDecryption]. Tag verification is the ONLY password check
// the protocol has.
func Open(envelope *Envelope, key []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(envelope.Privkey)
	if err != nil {
		return nil, ErrDecryption
	}
	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil || len(iv) != IVLen {
		return nil, ErrDecryption
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryption
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// OpenWithPassword decodes the envelope's salt, derives the key from the
// password, and opens the envelope.
func OpenWithPassword(envelope *Envelope, password string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(envelope.Salt)
	if err != nil {
		return nil, ErrDecryption
	}
	return Open(envelope, DeriveKey(password, salt))
}

// newGCM builds the AES-256-GCM AEAD for a derived key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sec: invalid envelope key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to initialize GCM: %w", err)
	}
	return gcm, nil
}
