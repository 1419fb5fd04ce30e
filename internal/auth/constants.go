// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package auth

import "time"

// # Protocol Constraints

const (
	// LinkTTL is the duration a password reset link remains valid.
	// Short-lived (1 hour); the email tells the user so.
	LinkTTL = 1 * time.Hour

	// MaxUsernameLen bounds usernames at the validation layer. The database
	// column is unbounded text; this is a sanity limit, not a schema one.
	MaxUsernameLen = 128

	// MaxEmailLen bounds email addresses at the validation layer.
	MaxEmailLen = 254
)
