// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package authclient is a Go driver for servers running the challenge-response
authentication protocol.

It owns a cookie jar (the server session lives in a cookie), performs the
login handshake transparently, and retries transport-level failures with
exponential backoff. A response from the server, whatever its status code,
is never retried: the server spoke, and what it said is the answer.

Typical use:

	client, err := authclient.New("https://app.example.org", "alice", "s3cret")
	if err != nil { ... }
	var out MyResult
	err = client.Send(ctx, "/api/something", map[string]any{"q": 1}, &out)

Send verifies the session before every request and re-runs the login
handshake when the server no longer recognizes it.
*/
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rknop/rkwebutil/internal/platform/sec"
)

// ErrAuthentication is returned when a login handshake fails. Wrong
// username, wrong password, and a server-rejected response all collapse into
// this one error so callers cannot distinguish them, and neither can anyone
// reading the caller's logs.
var ErrAuthentication = errors.New("authclient: incorrect username or password")

// StatusError is returned when the server answers with a non-2xx status.
// It is terminal: the request reached the server and was refused.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authclient: server returned %d: %s", e.StatusCode, e.Body)
}

// # Client Construction

// Client is a stateful protocol client bound to one server and one identity.
//
// Client is safe for concurrent use. The login handshake is serialized; at
// most one goroutine re-authenticates at a time.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string

	maxTries   uint64
	maxElapsed time.Duration

	mu       sync.Mutex
	loggedIn bool
}

// Option customizes a [Client].
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client. A cookie jar is
// installed on it if it does not already have one.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) { client.httpClient = httpClient }
}

// WithRetry tunes transport-failure retries: at most maxTries attempts,
// giving up after maxElapsed overall.
func WithRetry(maxTries uint64, maxElapsed time.Duration) Option {
	return func(client *Client) {
		client.maxTries = maxTries
		client.maxElapsed = maxElapsed
	}
}

// New creates a [Client] for the server at baseURL with the given identity.
// No network traffic happens until the first request.
func New(baseURL, username, password string, options ...Option) (*Client, error) {
	if baseURL == "" || username == "" {
		return nil, errors.New("authclient: baseURL and username are required")
	}

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		maxTries:   5,
		maxElapsed: 2 * time.Minute,
	}
	for _, option := range options {
		option(client)
	}
	if client.maxTries == 0 {
		client.maxTries = 1
	}

	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if client.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("authclient: failed to create cookie jar: %w", err)
		}
		client.httpClient.Jar = jar
	}

	return client, nil
}

// # Login Handshake

type challengeReply struct {
	Username  string `json:"username"`
	Privkey   string `json:"privkey"`
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	Challenge string `json:"challenge"`
}

type loginReply struct {
	Status   string `json:"status"`
	Username string `json:"username"`
	UserUUID string `json:"useruuid"`
}

/*
Login runs the challenge-response handshake.

It is a no-op when the client already holds an authenticated session. The
private-key envelope is decrypted locally with the password; nothing secret
is ever sent over the wire.

Returns:
  - error: [ErrAuthentication] on any credential failure, transport errors otherwise
*/
func (client *Client) Login(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.loggedIn {
		return nil
	}
	return client.loginLocked(ctx)
}

// loginLocked performs the handshake. Caller holds mu.
func (client *Client) loginLocked(ctx context.Context) error {
	client.loggedIn = false

	var challenge challengeReply
	err := client.postJSON(ctx, "/auth/getchallenge", map[string]string{"username": client.username}, &challenge)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			// Unknown user, no password set, etc. All credential problems.
			return ErrAuthentication
		}
		return err
	}

	// Decrypt the envelope. A wrong password shows up only here, as a
	// GCM tag mismatch.
	envelope := &sec.Envelope{Privkey: challenge.Privkey, Salt: challenge.Salt, IV: challenge.IV}
	der, err := sec.OpenWithPassword(envelope, client.password)
	if err != nil {
		return ErrAuthentication
	}

	privateKey, err := sec.ParsePKCS8(der)
	if err != nil {
		return ErrAuthentication
	}

	answer, err := sec.AnswerChallenge(challenge.Challenge, privateKey)
	if err != nil {
		return ErrAuthentication
	}

	var login loginReply
	err = client.postJSON(ctx, "/auth/respondchallenge",
		map[string]string{"username": client.username, "response": answer}, &login)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return ErrAuthentication
		}
		return err
	}
	if login.Status != "ok" || login.Username != client.username {
		return ErrAuthentication
	}

	client.loggedIn = true
	return nil
}

/*
VerifyLoggedIn confirms the session with the server, re-authenticating if
needed.

It asks the server who the session belongs to. An unauthenticated session
triggers a login; a session authenticated as a DIFFERENT user is logged out
first, then re-authenticated as this client's identity.
*/
func (client *Client) VerifyLoggedIn(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	var status struct {
		Status   json.RawMessage `json:"status"`
		Username string          `json:"username"`
	}
	if err := client.postJSON(ctx, "/auth/isauth", map[string]string{}, &status); err != nil {
		return err
	}

	authenticated := string(status.Status) == "true"

	if authenticated && status.Username == client.username {
		client.loggedIn = true
		return nil
	}

	if authenticated {
		// Session belongs to someone else. Drop it before logging in.
		if err := client.logoutLocked(ctx); err != nil {
			return err
		}
	}

	return client.loginLocked(ctx)
}

/*
Logout revokes the server-side session. Idempotent.
*/
func (client *Client) Logout(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.logoutLocked(ctx)
}

// logoutLocked revokes the session. Caller holds mu.
func (client *Client) logoutLocked(ctx context.Context) error {
	client.loggedIn = false
	var reply struct {
		Status string `json:"status"`
	}
	return client.postJSON(ctx, "/auth/logout", map[string]string{}, &reply)
}

// # Authenticated Requests

/*
Send posts a JSON payload to a server path, ensuring the session is
authenticated first, and decodes the JSON response into result.

The session check costs one round trip; use [Client.Post] to skip it when
hammering an endpoint you know is fresh.
*/
func (client *Client) Send(ctx context.Context, path string, payload, result interface{}) error {
	if err := client.VerifyLoggedIn(ctx); err != nil {
		return err
	}
	return client.Post(ctx, path, payload, result)
}

/*
Post posts a JSON payload to a server path without any session check and
decodes the JSON response into result (pass nil to discard it).

Transport failures are retried with exponential backoff and jitter. Any
HTTP response, including 5xx, is terminal: a non-2xx status yields a
[*StatusError].
*/
func (client *Client) Post(ctx context.Context, path string, payload, result interface{}) error {
	return client.postJSON(ctx, path, payload, result)
}

// postJSON is the single wire primitive everything else builds on.
func (client *Client) postJSON(ctx context.Context, path string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("authclient: failed to encode payload: %w", err)
	}

	url := client.baseURL + path

	var responseBody []byte

	operation := func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		request.Header.Set("Content-Type", "application/json")

		response, err := client.httpClient.Do(request)
		if err != nil {
			// Transport failure: the server never answered. Retryable.
			return err
		}
		defer response.Body.Close()

		data, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}

		if response.StatusCode < 200 || response.StatusCode > 299 {
			// The server answered. Whatever it said stands.
			return backoff.Permanent(&StatusError{
				StatusCode: response.StatusCode,
				Body:       strings.TrimSpace(string(data)),
			})
		}

		responseBody = data
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = client.maxElapsed

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, client.maxTries-1), ctx))
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(responseBody, result); err != nil {
			return fmt.Errorf("authclient: failed to decode response: %w", err)
		}
	}
	return nil
}

// # Password Reset

/*
ResetPassword redeems an emailed reset link, setting newPassword on the
account the link belongs to.

It generates a fresh RSA key pair locally, seals the private key under the
new password, and submits the public key plus envelope. On success the
client's stored password is updated so subsequent logins use the new one.
*/
func (client *Client) ResetPassword(ctx context.Context, linkID, newPassword string) error {
	key, err := sec.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("authclient: key generation failed: %w", err)
	}

	pubPEM, err := sec.ExportPublicPEM(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("authclient: key export failed: %w", err)
	}

	der, err := sec.MarshalPKCS8(key)
	if err != nil {
		return fmt.Errorf("authclient: key export failed: %w", err)
	}

	envelope, err := sec.SealWithPassword(der, newPassword)
	if err != nil {
		return fmt.Errorf("authclient: envelope seal failed: %w", err)
	}

	var reply struct {
		Status string `json:"status"`
	}
	err = client.postJSON(ctx, "/auth/changepassword", map[string]string{
		"passwordlinkid": linkID,
		"publickey":      pubPEM,
		"privatekey":     envelope.Privkey,
		"salt":           envelope.Salt,
		"iv":             envelope.IV,
	}, &reply)
	if err != nil {
		return err
	}
	if reply.Status != "Password changed" {
		return fmt.Errorf("authclient: unexpected reset reply %q", reply.Status)
	}

	client.mu.Lock()
	client.password = newPassword
	client.loggedIn = false
	client.mu.Unlock()

	return nil
}
