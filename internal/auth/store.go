// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package auth

import (
	"context"
	"time"

	"github.com/rknop/rkwebutil/internal/platform/sec"
)

// # User Data Access

// UserRepository defines the read contract for user accounts. The server
// never creates or edits accounts over HTTP; rows change only through the
// password-reset flow and offline provisioning.
type UserRepository interface {

	/*
		FindByID returns the account with the given ID.

		Parameters:
		  - context: context.Context
		  - id: string

		Returns:
		  - *User: Hydrated entity
		  - error: apperr.NoSuchUser if absent, or retrieval failures
	*/
	FindByID(context context.Context, id string) (*User, error)

	/*
		FindByUsername returns the account with the given username.

		Usernames are unique by schema, but the lookup still scans for
		duplicates and reports a DATA_INTEGRITY error if more than one row
		matches.

		Parameters:
		  - context: context.Context
		  - username: string

		Returns:
		  - *User: Hydrated entity
		  - error: apperr.NoSuchUser if absent, apperr.DataIntegrity on duplicates
	*/
	FindByUsername(context context.Context, username string) (*User, error)

	/*
		FindAllByEmail returns every account registered under the given email.
		Emails are not unique; a person may hold several accounts.

		Parameters:
		  - context: context.Context
		  - email: string

		Returns:
		  - []*User: Zero or more hydrated entities
		  - error: Retrieval failures
	*/
	FindAllByEmail(context context.Context, email string) ([]*User, error)
}

// # Password Link Data Access

// PasswordLinkRepository defines the contract for single-use reset links.
type PasswordLinkRepository interface {

	/*
		Create persists a fresh reset link for the user, expiring after ttl.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - ttl: time.Duration

		Returns:
		  - *PasswordLink: The created link, including its secret ID
		  - error: Persistence failures
	*/
	Create(context context.Context, userID string, ttl time.Duration) (*PasswordLink, error)

	/*
		Find returns the link with the given ID without consuming it.

		Parameters:
		  - context: context.Context
		  - linkID: string

		Returns:
		  - *PasswordLink: Hydrated entity
		  - error: apperr.LinkNotFound if absent
	*/
	Find(context context.Context, linkID string) (*PasswordLink, error)

	/*
		Consume atomically redeems the link: it verifies the link exists and
		is unexpired, installs the new key material on the owning user, and
		deletes the link, all in one transaction. Of two concurrent calls with
		the same ID, exactly one succeeds.

		Parameters:
		  - context: context.Context
		  - linkID: string
		  - pubkeyPEM: string
		  - envelope: *sec.Envelope

		Returns:
		  - error: apperr.LinkNotFound, apperr.LinkExpired, or persistence failures
	*/
	Consume(context context.Context, linkID string, pubkeyPEM string, envelope *sec.Envelope) error
}

// # Session Data Access

// SessionStore defines the contract for volatile browser-session state.
type SessionStore interface {

	/*
		Get returns the State for a session id. A session with no stored
		state yields a fresh anonymous State, not an error.

		Parameters:
		  - context: context.Context
		  - sessionID: string

		Returns:
		  - *State: Hydrated or fresh anonymous state
		  - error: Retrieval failures
	*/
	Get(context context.Context, sessionID string) (*State, error)

	/*
		Save persists the State under the session id with a sliding TTL.

		Parameters:
		  - context: context.Context
		  - sessionID: string
		  - state: *State

		Returns:
		  - error: Persistence failures
	*/
	Save(context context.Context, sessionID string, state *State) error

	/*
		Delete removes all stored state for the session id.

		Parameters:
		  - context: context.Context
		  - sessionID: string

		Returns:
		  - error: Persistence failures
	*/
	Delete(context context.Context, sessionID string) error
}
