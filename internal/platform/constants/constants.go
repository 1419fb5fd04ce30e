// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package constants provides centralized, immutable values for the entire platform.

It defines default timeouts, cookie parameters, and cross-cutting keys that are
shared between different layers of the system.

Categories:

  - Server Timing: Read/Write/Idle timeouts for the HTTP server.
  - Sessions: Cookie configuration and Redis key taxonomy.
  - Wire Fields: JSON field identifiers fixed by the auth protocol.

Using this package ensures Magic Strings and Magic Numbers are eliminated
from the business logic.
*/
package constants

import "time"

// # Metadata

const (
	AppName    = "rkwebutil-auth"
	AppVersion = "0.1.0-dev"
)

// # Server Timing

const (
	// DefaultReadTimeout is the maximum duration for reading the entire request.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is the maximum duration before timing out writes of the response.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultIdleTimeout is the maximum amount of time to wait for the next request.
	DefaultIdleTimeout = 120 * time.Second

	// DefaultReadHeaderTimeout is the amount of time allowed to read request headers.
	DefaultReadHeaderTimeout = 2 * time.Second

	// GlobalRequestTimeout is the deadline for the entire request lifecycle.
	GlobalRequestTimeout = 30 * time.Second

	// ShutdownTimeout is how long we wait for in-flight requests to complete during shutdown.
	ShutdownTimeout = 30 * time.Second
)

// # Sessions

const (
	// SessionCookieName is the cookie carrying the opaque server-side session id.
	//
	// The cookie value is only an id: all authentication state lives in Redis.
	SessionCookieName = "rkauth_session"

	// SessionCookiePath scopes the session cookie to the whole webap, since the
	// session carries identity for every authenticated endpoint.
	SessionCookiePath = "/"

	// SessionTTL is the sliding lifetime of server-side session state.
	SessionTTL = 24 * time.Hour
)

// # HTTP Headers

const (
	HeaderXRequestID    = "X-Request-ID"
	HeaderXRealIP       = "X-Real-IP"
	HeaderXForwardedFor = "X-Forwarded-For"
)

// # Wire Fields
//
// Field names are part of the auth wire protocol and must not drift: the
// browser client and [pkg/authclient] both match on them literally.

const (
	FieldStatus          = "status"
	FieldError           = "error"
	FieldCode            = "code"
	FieldMessage         = "message"
	FieldUsername        = "username"
	FieldUserUUID        = "useruuid"
	FieldUserEmail       = "useremail"
	FieldUserDisplayName = "userdisplayname"
	FieldUserGroups      = "usergroups"
	FieldPrivKey         = "privkey"
	FieldSalt            = "salt"
	FieldIV              = "iv"
	FieldChallenge       = "challenge"
	FieldResponse        = "response"
	FieldEmail           = "email"
	FieldPasswordLinkID  = "passwordlinkid"
	FieldPublicKey       = "publickey"
	FieldPrivateKey      = "privatekey"
)

// # Redis Prefixes (Cache Taxonomy)

const (
	RedisPrefixSession = "auth:session:"
)
