// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package uuid provides the random identifiers used throughout the auth system.

Challenge nonces, password-reset links, and session ids are all capability
tokens: guessing one must be computationally infeasible. They therefore use
UUIDv4 (122 bits of CSPRNG entropy), never time-ordered variants.

Request correlation ids are not secrets and use UUIDv7 for time-sortability.
*/
package uuid

import "github.com/google/uuid"

// # Generators

// New generates a new random UUIDv4 string.
//
// This is the mandatory generator for anything that acts as a capability:
// challenge nonces, reset-link ids, session ids.
func New() string {

	// uuid.New panics on entropy failure, which is an unrecoverable
	// system-level error anyway.
	return uuid.New().String()
}

// NewV7 generates a time-sortable UUIDv7 string for log correlation ids.
func NewV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to v4; correlation ids only need uniqueness.
		return New()
	}
	return id.String()
}
