// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rknop/rkwebutil/internal/platform/apperr"
	"github.com/rknop/rkwebutil/internal/platform/mail"
	"github.com/rknop/rkwebutil/internal/platform/sec"
	"github.com/rknop/rkwebutil/internal/platform/validate"
)

// # Service Configuration

// ServiceConfig carries the deployment-specific knobs the service needs.
type ServiceConfig struct {
	// WebapURL is the externally-visible base URL used to build reset links.
	WebapURL string
	// EmailFrom is recorded for logging; delivery uses the mail sender's own from.
	EmailFrom string
	// EmailSubject is the subject line of password reset mail.
	EmailSubject string
	// EmailSystemName names the deployment inside the reset email body.
	EmailSystemName string
}

// Service implements the challenge-response authentication use cases.
//
// # Review Process
//
// This service is critical for security. Any changes to the challenge
// lifecycle or the reset-link flow must be reviewed with extra care.
type Service struct {
	users    UserRepository
	links    PasswordLinkRepository
	sessions SessionStore
	mailer   mail.Sender
	cfg      ServiceConfig
	logger   *slog.Logger
}

// NewService constructs an auth [Service] with necessary dependencies.
func NewService(
	users UserRepository,
	links PasswordLinkRepository,
	sessions SessionStore,
	mailer mail.Sender,
	cfg ServiceConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		users:    users,
		links:    links,
		sessions: sessions,
		mailer:   mailer,
		cfg:      cfg,
		logger:   logger,
	}
}

// # Login Handshake

// ChallengeData is everything the client needs to attempt a login: the
// encrypted private-key envelope plus the sealed challenge.
type ChallengeData struct {
	Username  string
	Privkey   string
	Salt      string
	IV        string
	Challenge string
}

/*
BeginChallenge starts a login handshake for the named user.

Description: Looks up the user, seals a fresh random nonce under their
public key, and records the nonce plus a snapshot of the user's identity in
the session. Any previous authentication on the session is revoked FIRST, so
a failed or abandoned handshake always leaves the session logged out.

Repeated calls simply replace the outstanding challenge; only the latest
nonce can ever succeed.

Parameters:
  - context: context.Context
  - sessionID: string
  - username: string

Returns:
  - *ChallengeData: Envelope and sealed challenge for the client
  - error: apperr.NoSuchUser, apperr.PasswordNotSet, or internal failures
*/
func (service *Service) BeginChallenge(context context.Context, sessionID, username string) (*ChallengeData, error) {
	// Revoke any existing authentication before anything can fail, validation
	// included. A session that asks for a challenge is logged out from that
	// moment.
	state, err := service.sessions.Get(context, sessionID)
	if err != nil {
		return nil, fmt.Errorf("auth_service_session_load_failed: %w", err)
	}
	state.Reset()
	if err := service.sessions.Save(context, sessionID, state); err != nil {
		return nil, fmt.Errorf("auth_service_session_save_failed: %w", err)
	}

	validator := &validate.Validator{}
	validator.Required(FieldUsername, username).MaxLen(FieldUsername, username, MaxUsernameLen)
	if err := validator.Err(); err != nil {
		return nil, err
	}

	user, err := service.users.FindByUsername(context, username)
	if err != nil {
		return nil, err
	}

	if !user.HasPassword() {
		return nil, apperr.PasswordNotSet(fmt.Sprintf("User %s does not have a password set yet", username))
	}

	nonce, sealed, err := sec.IssueChallenge(*user.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("auth_service_challenge_failed: %w", err)
	}

	// Snapshot the identity now: respondchallenge must not hit Postgres.
	state.Username = user.Username
	state.UserUUID = user.ID
	state.DisplayName = user.DisplayName
	state.Email = user.Email
	state.Groups = user.Groups
	state.Challenge = nonce

	if err := service.sessions.Save(context, sessionID, state); err != nil {
		return nil, fmt.Errorf("auth_service_session_save_failed: %w", err)
	}

	return &ChallengeData{
		Username:  user.Username,
		Privkey:   user.Privkey.Privkey,
		Salt:      user.Privkey.Salt,
		IV:        user.Privkey.IV,
		Challenge: sealed,
	}, nil
}

/*
CompleteChallenge finishes a login handshake.

Description: Verifies the decrypted nonce against the one stored in the
session. The stored nonce is cleared before comparison, win or lose, so each
challenge is answerable exactly once; a replayed response meets an empty
nonce and fails.

Parameters:
  - context: context.Context
  - sessionID: string
  - username: string (must match the session's pending handshake)
  - response: string (plaintext nonce decrypted by the client)

Returns:
  - *State: The now-authenticated session state
  - error: apperr.SessionMismatch, apperr.ChallengeFailure, or internal failures
*/
func (service *Service) CompleteChallenge(context context.Context, sessionID, username, response string) (*State, error) {
	validator := &validate.Validator{}
	validator.Required(FieldUsername, username).Required(FieldResponse, response)
	if err := validator.Err(); err != nil {
		return nil, err
	}

	state, err := service.sessions.Get(context, sessionID)
	if err != nil {
		return nil, fmt.Errorf("auth_service_session_load_failed: %w", err)
	}

	if state.Username != username {
		// A mismatched username does not burn the pending nonce: only an
		// attempt against the session's own handshake counts as the one shot.
		return nil, apperr.SessionMismatch(fmt.Sprintf("username %s didn't match session username", username))
	}

	pending := state.Challenge

	// One shot: burn the nonce before comparing, and persist the burn even
	// on failure so a second attempt with the same response cannot pass.
	state.Challenge = ""

	if pending == "" || response != pending {
		state.Authenticated = false
		if err := service.sessions.Save(context, sessionID, state); err != nil {
			return nil, fmt.Errorf("auth_service_session_save_failed: %w", err)
		}
		service.logger.InfoContext(context, "auth_challenge_failed",
			slog.String("username", username),
		)
		return nil, apperr.ChallengeFailure()
	}

	state.Authenticated = true
	if err := service.sessions.Save(context, sessionID, state); err != nil {
		return nil, fmt.Errorf("auth_service_session_save_failed: %w", err)
	}

	service.logger.InfoContext(context, "auth_login_succeeded",
		slog.String("username", username),
		slog.String("useruuid", state.UserUUID),
	)

	return state, nil
}

/*
CheckAuthenticated reports the authentication status of a session.

Parameters:
  - context: context.Context
  - sessionID: string

Returns:
  - *State: Current session state (anonymous state if none is stored)
  - error: Internal failures only; an unauthenticated session is not an error
*/
func (service *Service) CheckAuthenticated(context context.Context, sessionID string) (*State, error) {
	state, err := service.sessions.Get(context, sessionID)
	if err != nil {
		return nil, fmt.Errorf("auth_service_session_load_failed: %w", err)
	}
	return state, nil
}

/*
Logout revokes a session's authentication.

Description: Idempotent. The stored state is deleted outright; the browser
keeps its cookie and simply owns an anonymous session again.

Parameters:
  - context: context.Context
  - sessionID: string

Returns:
  - error: Internal failures
*/
func (service *Service) Logout(context context.Context, sessionID string) error {
	if err := service.sessions.Delete(context, sessionID); err != nil {
		return fmt.Errorf("auth_service_logout_failed: %w", err)
	}
	return nil
}

// # Password Reset Flow

/*
RequestPasswordReset creates reset links and emails them.

Description: Exactly one of username or email selects the accounts. A
username selects one account and unknown usernames are reported as errors.
An email fans out to every account registered under it in a single message;
an unknown email still reports success, since revealing which addresses
exist would hand an enumeration oracle to anyone who asks.

Parameters:
  - context: context.Context
  - username: string (may be empty)
  - email: string (may be empty)

Returns:
  - []string: Usernames a link was generated for
  - error: apperr.NoSuchUser (username path), validation or internal failures
*/
func (service *Service) RequestPasswordReset(context context.Context, username, email string) ([]string, error) {
	validator := &validate.Validator{}
	validator.Custom(FieldUsername, username == "" && email == "", "Must include either username or email")
	if email != "" {
		validator.Email(FieldEmail, email).MaxLen(FieldEmail, email, MaxEmailLen)
	}
	if err := validator.Err(); err != nil {
		return nil, err
	}

	var targets []*User

	if username != "" {
		user, err := service.users.FindByUsername(context, username)
		if err != nil {
			return nil, err
		}
		targets = []*User{user}
	} else {
		found, err := service.users.FindAllByEmail(context, email)
		if err != nil {
			return nil, err
		}
		// No matches is deliberately not an error on the email path.
		targets = found
	}

	// Group the links by destination address so each mailbox gets one message
	// even when several usernames share it.
	linksByEmail := make(map[string][]linkForUser)
	var usernames []string

	for _, user := range targets {
		link, err := service.links.Create(context, user.ID, LinkTTL)
		if err != nil {
			return nil, err
		}
		linksByEmail[user.Email] = append(linksByEmail[user.Email], linkForUser{username: user.Username, linkID: link.ID})
		usernames = append(usernames, user.Username)
	}

	for address, links := range linksByEmail {
		if err := service.mailer.Send(context, address, service.cfg.EmailSubject, service.resetEmailBody(links)); err != nil {
			return nil, fmt.Errorf("auth_service_reset_mail_failed: %w", err)
		}
	}

	service.logger.InfoContext(context, "auth_reset_links_sent",
		slog.Int("count", len(usernames)),
	)

	return usernames, nil
}

// linkForUser pairs a username with its generated reset link id.
type linkForUser struct {
	username string
	linkID   string
}

// resetEmailBody renders the plain-text reset email for one mailbox.
func (service *Service) resetEmailBody(links []linkForUser) string {
	var builder strings.Builder
	for index, link := range links {
		if index > 0 {
			builder.WriteString("\n\n")
		}
		fmt.Fprintf(&builder,
			"Somebody requested a password reset for %s\nfor %s.  This link will expire in 1 hour.\n\n"+
				"If you did not request this, you may ignore this message.\n"+
				"Here is the link; cut and paste it into your browser:\n\n%s/auth/resetpassword?uuid=%s",
			link.username, service.cfg.EmailSystemName, service.cfg.WebapURL, link.linkID)
	}
	return builder.String()
}

/*
ResolveLink validates a reset link for display purposes.

Description: Used by the browser-facing reset page to decide whether to show
the password form. The link is NOT consumed; only ChangePassword does that.

Parameters:
  - context: context.Context
  - linkID: string

Returns:
  - *User: The account the link belongs to
  - error: apperr.LinkNotFound, apperr.LinkExpired, or internal failures
*/
func (service *Service) ResolveLink(context context.Context, linkID string) (*User, error) {
	validator := &validate.Validator{}
	validator.Required(FieldPasswordLinkID, linkID).UUID(FieldPasswordLinkID, linkID)
	if err := validator.Err(); err != nil {
		return nil, err
	}

	link, err := service.links.Find(context, linkID)
	if err != nil {
		return nil, err
	}

	if link.Expired(time.Now()) {
		return nil, apperr.LinkExpired("Password reset link has expired")
	}

	return service.users.FindByID(context, link.UserID)
}

/*
ChangePassword redeems a reset link, installing new key material.

Description: The client generates a fresh RSA key pair, seals the private
key under the new password, and submits the public key plus envelope. The
public key is parsed before anything is written, then the link is consumed
atomically with the update. A second redemption of the same link fails with
LINK_NOT_FOUND.

Parameters:
  - context: context.Context
  - linkID: string
  - pubkeyPEM: string
  - envelope: *sec.Envelope

Returns:
  - error: apperr.LinkNotFound, apperr.LinkExpired, validation or internal failures
*/
func (service *Service) ChangePassword(context context.Context, linkID, pubkeyPEM string, envelope *sec.Envelope) error {
	validator := &validate.Validator{}
	validator.Required(FieldPasswordLinkID, linkID).UUID(FieldPasswordLinkID, linkID)
	validator.Required(FieldPublicKey, pubkeyPEM)
	validator.Custom(FieldPrivateKey, envelope == nil, "This field is required")
	if envelope != nil {
		validator.Base64(FieldPrivateKey, envelope.Privkey)
		validator.Base64(FieldSalt, envelope.Salt)
		validator.Base64(FieldIV, envelope.IV)
	}
	if err := validator.Err(); err != nil {
		return err
	}

	// Reject garbage before the transaction: a key that does not parse could
	// never answer a challenge, so storing it would brick the account.
	if _, err := sec.ParsePublicPEM(pubkeyPEM); err != nil {
		return apperr.Unprocessable("Public key is not a valid PEM RSA key")
	}

	if err := service.links.Consume(context, linkID, pubkeyPEM, envelope); err != nil {
		return err
	}

	service.logger.InfoContext(context, "auth_password_changed",
		slog.String("linkid", linkID),
	)

	return nil
}
