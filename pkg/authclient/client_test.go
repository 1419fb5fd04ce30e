// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package authclient_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rknop/rkwebutil/internal/platform/sec"
	"github.com/rknop/rkwebutil/pkg/authclient"
	"github.com/rknop/rkwebutil/pkg/uuid"
)

const (
	stubUsername = "test"
	stubPassword = "gratuitous"
)

// stubAccount is the single server-side user record.
type stubAccount struct {
	pubPEM   string
	envelope *sec.Envelope
}

var stubKeys = sync.OnceValue(func() *stubAccount {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	pubPEM, err := sec.ExportPublicPEM(&key.PublicKey)
	if err != nil {
		panic(err)
	}
	der, err := sec.MarshalPKCS8(key)
	if err != nil {
		panic(err)
	}
	envelope, err := sec.SealWithPassword(der, stubPassword)
	if err != nil {
		panic(err)
	}
	return &stubAccount{pubPEM: pubPEM, envelope: envelope}
})

// stubSession is the server-side state for one cookie.
type stubSession struct {
	challenge     string
	authenticated bool
	username      string
}

// protocolStub is a minimal in-process server speaking the auth protocol.
type protocolStub struct {
	t *testing.T

	mu       sync.Mutex
	account  stubAccount
	sessions map[string]*stubSession
	links    map[string]bool

	requests map[string]int
}

func newProtocolStub(t *testing.T) *protocolStub {
	return &protocolStub{
		t:        t,
		account:  *stubKeys(),
		sessions: make(map[string]*stubSession),
		links:    make(map[string]bool),
		requests: make(map[string]int),
	}
}

func (stub *protocolStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/getchallenge", stub.getChallenge)
	mux.HandleFunc("/auth/respondchallenge", stub.respondChallenge)
	mux.HandleFunc("/auth/isauth", stub.isAuth)
	mux.HandleFunc("/auth/logout", stub.logout)
	mux.HandleFunc("/auth/changepassword", stub.changePassword)
	mux.HandleFunc("/api/echo", stub.echo)
	return mux
}

// session finds or creates the session for the request's cookie, setting the
// cookie on the response when minting a new one.
func (stub *protocolStub) session(writer http.ResponseWriter, request *http.Request) *stubSession {
	stub.mu.Lock()
	defer stub.mu.Unlock()

	stub.requests[request.URL.Path]++

	if cookie, err := request.Cookie("rkauth_session"); err == nil {
		if session, found := stub.sessions[cookie.Value]; found {
			return session
		}
		session := &stubSession{}
		stub.sessions[cookie.Value] = session
		return session
	}

	id := uuid.New()
	session := &stubSession{}
	stub.sessions[id] = session
	http.SetCookie(writer, &http.Cookie{Name: "rkauth_session", Value: id, Path: "/"})
	return session
}

func (stub *protocolStub) count(path string) int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.requests[path]
}

func writeJSON(writer http.ResponseWriter, status int, payload interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func (stub *protocolStub) getChallenge(writer http.ResponseWriter, request *http.Request) {
	session := stub.session(writer, request)

	var input struct {
		Username string `json:"username"`
	}
	_ = json.NewDecoder(request.Body).Decode(&input)

	session.authenticated = false
	if input.Username != stubUsername {
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "no such user", "code": "NO_SUCH_USER"})
		return
	}

	nonce, sealed, err := sec.IssueChallenge(stub.account.pubPEM)
	require.NoError(stub.t, err)
	session.challenge = nonce
	session.username = input.Username

	writeJSON(writer, http.StatusOK, map[string]string{
		"username":  input.Username,
		"privkey":   stub.account.envelope.Privkey,
		"salt":      stub.account.envelope.Salt,
		"iv":        stub.account.envelope.IV,
		"challenge": sealed,
	})
}

func (stub *protocolStub) respondChallenge(writer http.ResponseWriter, request *http.Request) {
	session := stub.session(writer, request)

	var input struct {
		Username string `json:"username"`
		Response string `json:"response"`
	}
	_ = json.NewDecoder(request.Body).Decode(&input)

	pending := session.challenge
	session.challenge = ""
	if pending == "" || input.Response != pending || input.Username != session.username {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "Authentication failure.", "code": "CHALLENGE_FAILURE"})
		return
	}

	session.authenticated = true
	writeJSON(writer, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"message":  fmt.Sprintf("User %s logged in.", input.Username),
		"username": input.Username,
		"useruuid": "11111111-2222-3333-4444-555555555555",
	})
}

func (stub *protocolStub) isAuth(writer http.ResponseWriter, request *http.Request) {
	session := stub.session(writer, request)
	if !session.authenticated {
		writeJSON(writer, http.StatusOK, map[string]interface{}{"status": false})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{"status": true, "username": session.username})
}

func (stub *protocolStub) logout(writer http.ResponseWriter, request *http.Request) {
	session := stub.session(writer, request)
	*session = stubSession{}
	writeJSON(writer, http.StatusOK, map[string]string{"status": "Logged out"})
}

func (stub *protocolStub) changePassword(writer http.ResponseWriter, request *http.Request) {
	stub.session(writer, request)

	var input struct {
		PasswordLinkID string `json:"passwordlinkid"`
		PublicKey      string `json:"publickey"`
		PrivateKey     string `json:"privatekey"`
		Salt           string `json:"salt"`
		IV             string `json:"iv"`
	}
	_ = json.NewDecoder(request.Body).Decode(&input)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if !stub.links[input.PasswordLinkID] {
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "unknown link", "code": "LINK_NOT_FOUND"})
		return
	}
	delete(stub.links, input.PasswordLinkID)

	stub.account.pubPEM = input.PublicKey
	stub.account.envelope = &sec.Envelope{Privkey: input.PrivateKey, Salt: input.Salt, IV: input.IV}

	writeJSON(writer, http.StatusOK, map[string]string{"status": "Password changed"})
}

// echo is an application endpoint gated on the session being authenticated.
func (stub *protocolStub) echo(writer http.ResponseWriter, request *http.Request) {
	session := stub.session(writer, request)
	if !session.authenticated {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "not logged in", "code": "UNAUTHORIZED"})
		return
	}
	var payload map[string]interface{}
	_ = json.NewDecoder(request.Body).Decode(&payload)
	writeJSON(writer, http.StatusOK, payload)
}

// # Login

func TestLogin(t *testing.T) {
	stub := newProtocolStub(t)
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, stubPassword)
	require.NoError(t, err)

	require.NoError(t, client.Login(context.Background()))
	assert.Equal(t, 1, stub.count("/auth/getchallenge"))
	assert.Equal(t, 1, stub.count("/auth/respondchallenge"))

	// Already logged in: no further traffic.
	require.NoError(t, client.Login(context.Background()))
	assert.Equal(t, 1, stub.count("/auth/getchallenge"))
}

func TestLoginWrongPassword(t *testing.T) {
	stub := newProtocolStub(t)
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, "wrong")
	require.NoError(t, err)

	err = client.Login(context.Background())
	assert.ErrorIs(t, err, authclient.ErrAuthentication)

	// The failure happened locally at envelope decryption.
	assert.Equal(t, 0, stub.count("/auth/respondchallenge"))
}

func TestLoginUnknownUser(t *testing.T) {
	stub := newProtocolStub(t)
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := authclient.New(server.URL, "nobody", stubPassword)
	require.NoError(t, err)

	err = client.Login(context.Background())
	assert.ErrorIs(t, err, authclient.ErrAuthentication)
}

// # Session Verification

func TestVerifyLoggedInRecoversDroppedSession(t *testing.T) {
	stub := newProtocolStub(t)
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, stubPassword)
	require.NoError(t, err)
	require.NoError(t, client.Login(context.Background()))

	// Simulate server-side session expiry.
	stub.mu.Lock()
	stub.sessions = make(map[string]*stubSession)
	stub.mu.Unlock()

	require.NoError(t, client.VerifyLoggedIn(context.Background()))
	assert.Equal(t, 2, stub.count("/auth/getchallenge"))
}

func TestSend(t *testing.T) {
	stub := newProtocolStub(t)
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, stubPassword)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, client.Send(context.Background(), "/api/echo", map[string]string{"hello": "world"}, &result))
	assert.Equal(t, "world", result["hello"])
}

func TestLogout(t *testing.T) {
	stub := newProtocolStub(t)
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, stubPassword)
	require.NoError(t, err)
	require.NoError(t, client.Login(context.Background()))
	require.NoError(t, client.Logout(context.Background()))

	var result map[string]interface{}
	err = client.Post(context.Background(), "/api/echo", map[string]string{}, &result)

	var statusErr *authclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

// # Retry Semantics

func TestPostRetriesTransportFailures(t *testing.T) {
	stub := newProtocolStub(t)

	var mu sync.Mutex
	failures := 2
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		shouldFail := failures > 0
		if shouldFail {
			failures--
		}
		mu.Unlock()
		if shouldFail {
			// Abort without a response: the client sees a transport error.
			panic(http.ErrAbortHandler)
		}
		stub.handler().ServeHTTP(writer, request)
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, stubPassword,
		authclient.WithRetry(5, 10*time.Second))
	require.NoError(t, err)

	var reply map[string]interface{}
	require.NoError(t, client.Post(context.Background(), "/auth/isauth", map[string]string{}, &reply))
	assert.Equal(t, false, reply["status"])
}

func TestPostDoesNotRetryServerResponses(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		writeJSON(writer, http.StatusInternalServerError, map[string]string{"error": "boom", "code": "INTERNAL_ERROR"})
	}))
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, stubPassword,
		authclient.WithRetry(5, 10*time.Second))
	require.NoError(t, err)

	err = client.Post(context.Background(), "/anything", map[string]string{}, nil)

	var statusErr *authclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts, "a server response must be terminal")
}

func TestPostGivesUpAfterMaxTries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	client, err := authclient.New(server.URL, stubUsername, stubPassword,
		authclient.WithRetry(3, 5*time.Second))
	require.NoError(t, err)

	err = client.Post(context.Background(), "/anything", map[string]string{}, nil)
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*authclient.StatusError)))
}

// # Password Reset

func TestResetPassword(t *testing.T) {
	stub := newProtocolStub(t)
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	linkID := uuid.New()
	stub.mu.Lock()
	stub.links[linkID] = true
	stub.mu.Unlock()

	client, err := authclient.New(server.URL, stubUsername, "forgotten-old-password")
	require.NoError(t, err)

	require.NoError(t, client.ResetPassword(context.Background(), linkID, "brand-new-password"))

	// The client now logs in with the password it just set.
	require.NoError(t, client.Login(context.Background()))

	t.Run("link is single use", func(t *testing.T) {
		err := client.ResetPassword(context.Background(), linkID, "another-password")
		var statusErr *authclient.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	})
}
