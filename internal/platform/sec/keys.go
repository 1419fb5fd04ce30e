// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package sec

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// KeyBits is the RSA modulus size for newly generated key pairs.
const KeyBits = 4096

// ErrInvalidPublicKey is returned when a PEM public key cannot be parsed or
// is not an RSA key.
var ErrInvalidPublicKey = errors.New("sec: invalid public key")

// GenerateKeyPair creates a fresh RSA key pair for a user. Called by the
// password-reset flow on the client side and by offline provisioning tools.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to generate key pair: %w", err)
	}
	return key, nil
}

// ExportPublicPEM encodes an RSA public key as a PEM SPKI block, the format
// stored in the database and handed to clients.
func ExportPublicPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("sec: failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicPEM decodes a PEM SPKI block into an RSA public key.
func ParsePublicPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// MarshalPKCS8 encodes an RSA private key as PKCS#8 DER, the plaintext
// layout inside an [Envelope].
func MarshalPKCS8(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to marshal private key: %w", err)
	}
	return der, nil
}

// ParsePKCS8 decodes PKCS#8 DER into an RSA private key.
func ParsePKCS8(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("sec: private key is not RSA")
	}
	return key, nil
}
