// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package auth_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rknop/rkwebutil/internal/auth"
	"github.com/rknop/rkwebutil/internal/platform/ctxutil"
	"github.com/rknop/rkwebutil/internal/platform/sec"
)

// newTestRouter mounts the handler behind a stub session middleware that
// pins every request to the given session id.
func newTestRouter(env *testEnv, sessionID string, useGroups bool) http.Handler {
	handler := auth.NewHandler(env.service, useGroups)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			ctx := ctxutil.WithSessionID(request.Context(), sessionID)
			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	})
	router.Mount("/auth", handler.Routes())
	return router
}

// postJSON fires a JSON POST at the router and decodes the JSON reply.
func postJSON(t *testing.T, router http.Handler, path string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	reply := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &reply))
	return recorder.Code, reply
}

// # Wire Shapes

func TestGetChallengeWire(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	status, reply := postJSON(t, router, "/auth/getchallenge", map[string]string{"username": fixtureUsername})
	require.Equal(t, http.StatusOK, status)

	// Flat object, exactly these five fields.
	fixture := loadFixture()
	assert.Equal(t, fixtureUsername, reply["username"])
	assert.Equal(t, fixture.envelope.Privkey, reply["privkey"])
	assert.Equal(t, fixture.envelope.Salt, reply["salt"])
	assert.Equal(t, fixture.envelope.IV, reply["iv"])
	assert.NotEmpty(t, reply["challenge"])
	assert.Len(t, reply, 5)
}

func TestGetChallengeErrors(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	t.Run("unknown user", func(t *testing.T) {
		status, reply := postJSON(t, router, "/auth/getchallenge", map[string]string{"username": "nobody"})
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "NO_SUCH_USER", reply["code"])
		assert.NotEmpty(t, reply["error"])
	})

	t.Run("password not set", func(t *testing.T) {
		status, reply := postJSON(t, router, "/auth/getchallenge", map[string]string{"username": "newbie"})
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "PASSWORD_NOT_SET", reply["code"])
	})

	t.Run("invalid json", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/auth/getchallenge", bytes.NewReader([]byte("{nope")))
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestRespondChallengeWire(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	_, challenge := postJSON(t, router, "/auth/getchallenge", map[string]string{"username": fixtureUsername})
	nonce := solveWireChallenge(t, challenge)

	status, reply := postJSON(t, router, "/auth/respondchallenge",
		map[string]string{"username": fixtureUsername, "response": nonce})
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "ok", reply["status"])
	assert.Equal(t, "User test logged in.", reply["message"])
	assert.Equal(t, fixtureUsername, reply["username"])
	assert.Equal(t, "c3a9e54e-5ba4-4b40-a5c9-1d3e8f29f2b1", reply["useruuid"])
	assert.Equal(t, fixtureEmail, reply["useremail"])
	assert.Equal(t, "test user", reply["userdisplayname"])
	// Groups are off: the field must be absent, not empty.
	assert.NotContains(t, reply, "usergroups")
}

func TestRespondChallengeIncludesGroupsWhenEnabled(t *testing.T) {
	env := newTestEnv()
	env.users.users[0].Groups = []string{"admin", "staff"}
	router := newTestRouter(env, "sess-1", true)

	_, challenge := postJSON(t, router, "/auth/getchallenge", map[string]string{"username": fixtureUsername})
	nonce := solveWireChallenge(t, challenge)

	status, reply := postJSON(t, router, "/auth/respondchallenge",
		map[string]string{"username": fixtureUsername, "response": nonce})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []interface{}{"admin", "staff"}, reply["usergroups"])
}

func TestRespondChallengeFailureWire(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	postJSON(t, router, "/auth/getchallenge", map[string]string{"username": fixtureUsername})

	status, reply := postJSON(t, router, "/auth/respondchallenge",
		map[string]string{"username": fixtureUsername, "response": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "CHALLENGE_FAILURE", reply["code"])
	assert.Equal(t, "Authentication failure.", reply["error"])
}

func TestIsAuthWire(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	t.Run("anonymous session", func(t *testing.T) {
		status, reply := postJSON(t, router, "/auth/isauth", map[string]string{})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, false, reply["status"])
		assert.Len(t, reply, 1)
	})

	t.Run("authenticated session", func(t *testing.T) {
		login(t, env, "sess-1")

		status, reply := postJSON(t, router, "/auth/isauth", map[string]string{})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, reply["status"])
		assert.Equal(t, fixtureUsername, reply["username"])
		assert.Equal(t, fixtureEmail, reply["useremail"])
	})
}

func TestLogoutWire(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)
	login(t, env, "sess-1")

	// GET works as well as POST.
	request := httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	reply := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &reply))
	assert.Equal(t, "Logged out", reply["status"])

	status, authReply := postJSON(t, router, "/auth/isauth", map[string]string{})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, authReply["status"])
}

func TestGetPasswordResetLinkWire(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	status, reply := postJSON(t, router, "/auth/getpasswordresetlink", map[string]string{"username": fixtureUsername})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Password reset link(s) sent for test.", reply["status"])
	require.Len(t, env.mailer.sent(), 1)
}

func TestChangePasswordWire(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	postJSON(t, router, "/auth/getpasswordresetlink", map[string]string{"username": "newbie"})
	linkID := extractLinkID(t, env.mailer.sent()[0].body)

	fixture := loadFixture()
	status, reply := postJSON(t, router, "/auth/changepassword", map[string]string{
		"passwordlinkid": linkID,
		"publickey":      fixture.pubPEM,
		"privatekey":     fixture.envelope.Privkey,
		"salt":           fixture.envelope.Salt,
		"iv":             fixture.envelope.IV,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Password changed", reply["status"])

	t.Run("second redemption fails", func(t *testing.T) {
		status, reply := postJSON(t, router, "/auth/changepassword", map[string]string{
			"passwordlinkid": linkID,
			"publickey":      fixture.pubPEM,
			"privatekey":     fixture.envelope.Privkey,
			"salt":           fixture.envelope.Salt,
			"iv":             fixture.envelope.IV,
		})
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "LINK_NOT_FOUND", reply["code"])
	})
}

// # Reset Page

func TestResetPasswordPage(t *testing.T) {
	env := newTestEnv()
	router := newTestRouter(env, "sess-1", false)

	postJSON(t, router, "/auth/getpasswordresetlink", map[string]string{"username": fixtureUsername})
	linkID := extractLinkID(t, env.mailer.sent()[0].body)

	t.Run("valid link renders the form", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/auth/resetpassword?uuid="+linkID, nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)

		require.Equal(t, http.StatusOK, recorder.Code)
		page := recorder.Body.String()
		assert.Contains(t, page, `id="resetpasswd_linkid"`)
		assert.Contains(t, page, linkID)
		assert.Contains(t, page, `id="reset_password"`)
		assert.Contains(t, page, `id="reset_confirm_password"`)
		assert.Contains(t, page, `id="setnewpassword_button"`)
		assert.Contains(t, page, fixtureUsername)
	})

	t.Run("unknown link renders an error page", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/auth/resetpassword?uuid=3cbc38b7-1f5a-4f9e-9f5e-8e2f0a7c6d11", nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)

		require.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), "not valid")
		assert.NotContains(t, recorder.Body.String(), "resetpasswd_linkid")
	})

	t.Run("expired link names the expiry", func(t *testing.T) {
		env.links.expire(linkID)
		request := httptest.NewRequest(http.MethodGet, "/auth/resetpassword?uuid="+linkID, nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)

		require.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), "expired")
	})
}

// solveWireChallenge decrypts a getchallenge JSON reply the way the browser
// client does.
func solveWireChallenge(t *testing.T, reply map[string]interface{}) string {
	t.Helper()

	envelope := &sec.Envelope{
		Privkey: reply["privkey"].(string),
		Salt:    reply["salt"].(string),
		IV:      reply["iv"].(string),
	}
	der, err := sec.OpenWithPassword(envelope, fixturePassword)
	require.NoError(t, err)
	key, err := sec.ParsePKCS8(der)
	require.NoError(t, err)
	nonce, err := sec.AnswerChallenge(reply["challenge"].(string), key)
	require.NoError(t, err)
	return nonce
}
