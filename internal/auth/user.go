// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package auth implements the challenge-response authentication domain.

It defines the core entities (User, PasswordLink, session State) and the
protocol logic: issuing RSA-encrypted challenges, verifying responses,
and running the email-based password reset lifecycle.

# Architecture

This layer is the "Truth" of the system. The server proves a user knows
their password without ever seeing it: it stores only the user's public key
and an encrypted private-key envelope, and a login succeeds when the client
can decrypt a random nonce sealed under the public key.
*/
package auth

import (
	"time"

	"github.com/rknop/rkwebutil/internal/platform/sec"
)

// # Domain Entities

// User represents a registered account.
//
// Pubkey and Privkey are nil until the user completes their first password
// reset; such accounts exist but cannot log in.
type User struct {
	ID          string        `json:"id"`
	Username    string        `json:"username"`
	DisplayName string        `json:"displayname"`
	Email       string        `json:"email"`
	Pubkey      *string       `json:"-"` // PEM SPKI. Never serialized with the user.
	Privkey     *sec.Envelope `json:"-"` // Encrypted private key. Opaque to the server.
	Groups      []string      `json:"groups,omitempty"`
}

// HasPassword reports whether the account has completed key setup and can
// attempt a login.
func (user *User) HasPassword() bool {
	return user.Pubkey != nil && user.Privkey != nil
}

// PasswordLink is a single-use, time-limited capability to set a new
// password. Its ID is the secret: knowing the UUID is the entire proof.
type PasswordLink struct {
	ID      string    `json:"id"`
	UserID  string    `json:"userid"`
	Expires time.Time `json:"expires"`
}

// Expired reports whether the link is past its expiry at the given instant.
func (link *PasswordLink) Expired(now time.Time) bool {
	return now.After(link.Expires)
}

// # Session State

// State is the server-side record of one browser session, stored in Redis
// keyed by the opaque cookie id.
//
// During a login handshake the pending challenge lives here too: Challenge
// holds the plaintext nonce the client must echo back, and the identity
// fields hold a snapshot of the user row taken at getchallenge time.
type State struct {
	Authenticated bool     `json:"authenticated"`
	Username      string   `json:"username,omitempty"`
	UserUUID      string   `json:"useruuid,omitempty"`
	DisplayName   string   `json:"userdisplayname,omitempty"`
	Email         string   `json:"useremail,omitempty"`
	Groups        []string `json:"usergroups,omitempty"`

	// Challenge is the outstanding plaintext nonce, cleared on every
	// respondchallenge attempt whether it succeeds or not.
	Challenge string `json:"challenge,omitempty"`
}

// Reset clears all identity and challenge state, returning the session to
// anonymous. The session id itself is untouched.
func (state *State) Reset() {
	*state = State{}
}

// # Field Identifiers

// Field names for validation and wire mapping in the authentication domain.
// These are protocol-fixed; clients match on them literally.
const (
	FieldUsername       = "username"
	FieldEmail          = "email"
	FieldResponse       = "response"
	FieldPasswordLinkID = "passwordlinkid"
	FieldPublicKey      = "publickey"
	FieldPrivateKey     = "privatekey"
	FieldSalt           = "salt"
	FieldIV             = "iv"
)
