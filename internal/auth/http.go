// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package auth

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rknop/rkwebutil/internal/platform/apperr"
	"github.com/rknop/rkwebutil/internal/platform/constants"
	"github.com/rknop/rkwebutil/internal/platform/ctxutil"
	requestutil "github.com/rknop/rkwebutil/internal/platform/request"
	"github.com/rknop/rkwebutil/internal/platform/respond"
	"github.com/rknop/rkwebutil/internal/platform/sec"
)

// # Definitions & Constructors

// Handler implements the challenge-response authentication HTTP endpoints.
//
// # Scope
//
// Everything under /auth: the login handshake, session status, logout, and
// the password reset lifecycle including the browser-facing reset page.
//
// The JSON field names in this file are the wire protocol. They are matched
// literally by the browser-side client and by [pkg/authclient]; renaming one
// is a protocol break, not a refactor.
type Handler struct {
	authService *Service
	useGroups   bool
}

// NewHandler constructs a new [Handler] with its service dependency.
func NewHandler(service *Service, useGroups bool) *Handler {
	return &Handler{authService: service, useGroups: useGroups}
}

// Routes returns a [chi.Router] configured with the auth protocol routes.
//
// # Endpoints
//   - POST /getchallenge         : Starts a login handshake.
//   - POST /respondchallenge     : Finishes a login handshake.
//   - POST /isauth               : Reports session authentication status.
//   - GET|POST /logout           : Revokes the session's authentication.
//   - POST /getpasswordresetlink : Emails single-use reset links.
//   - GET  /resetpassword        : Serves the browser reset form.
//   - POST /changepassword       : Redeems a reset link with new key material.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Post("/getchallenge", handler.getChallenge)
	router.Post("/respondchallenge", handler.respondChallenge)
	router.Post("/isauth", handler.isAuth)
	router.Get("/logout", handler.logout)
	router.Post("/logout", handler.logout)

	router.Post("/getpasswordresetlink", handler.getPasswordResetLink)
	router.Get("/resetpassword", handler.resetPasswordPage)
	router.Post("/changepassword", handler.changePassword)

	return router
}

// # Request Payloads

type getChallengeRequest struct {
	Username string `json:"username"`
}

type respondChallengeRequest struct {
	Username string `json:"username"`
	Response string `json:"response"`
}

type resetLinkRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type changePasswordRequest struct {
	PasswordLinkID string `json:"passwordlinkid"`
	PublicKey      string `json:"publickey"`
	PrivateKey     string `json:"privatekey"`
	Salt           string `json:"salt"`
	IV             string `json:"iv"`
}

// # Login Handshake

/*
getChallenge starts a login handshake.

POST /auth/getchallenge

Request:
  - Body: getChallengeRequest (Username)

Response:
  - 200: Flat object with username, privkey, salt, iv, challenge
  - 404: NO_SUCH_USER
  - 409: PASSWORD_NOT_SET
*/
func (handler *Handler) getChallenge(writer http.ResponseWriter, request *http.Request) {
	var input getChallengeRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	sessionID := ctxutil.GetSessionID(request.Context())
	data, err := handler.authService.BeginChallenge(request.Context(), sessionID, input.Username)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		constants.FieldUsername:  data.Username,
		constants.FieldPrivKey:   data.Privkey,
		constants.FieldSalt:      data.Salt,
		constants.FieldIV:        data.IV,
		constants.FieldChallenge: data.Challenge,
	})
}

/*
respondChallenge finishes a login handshake.

POST /auth/respondchallenge

Request:
  - Body: respondChallengeRequest (Username, Response)

Response:
  - 200: status "ok" plus the authenticated identity fields
  - 401: CHALLENGE_FAILURE
  - 409: SESSION_MISMATCH
*/
func (handler *Handler) respondChallenge(writer http.ResponseWriter, request *http.Request) {
	var input respondChallengeRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	sessionID := ctxutil.GetSessionID(request.Context())
	state, err := handler.authService.CompleteChallenge(request.Context(), sessionID, input.Username, input.Response)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	payload := map[string]interface{}{
		constants.FieldStatus:          "ok",
		constants.FieldMessage:         fmt.Sprintf("User %s logged in.", state.Username),
		constants.FieldUsername:        state.Username,
		constants.FieldUserUUID:        state.UserUUID,
		constants.FieldUserEmail:       state.Email,
		constants.FieldUserDisplayName: state.DisplayName,
	}
	if handler.useGroups {
		payload[constants.FieldUserGroups] = groupsOrEmpty(state.Groups)
	}

	respond.OK(writer, payload)
}

/*
isAuth reports whether the session is authenticated.

POST /auth/isauth

Response:
  - 200: status true plus identity fields, or status false alone
*/
func (handler *Handler) isAuth(writer http.ResponseWriter, request *http.Request) {
	sessionID := ctxutil.GetSessionID(request.Context())
	state, err := handler.authService.CheckAuthenticated(request.Context(), sessionID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if !state.Authenticated {
		respond.OK(writer, map[string]interface{}{constants.FieldStatus: false})
		return
	}

	payload := map[string]interface{}{
		constants.FieldStatus:          true,
		constants.FieldUsername:        state.Username,
		constants.FieldUserUUID:        state.UserUUID,
		constants.FieldUserEmail:       state.Email,
		constants.FieldUserDisplayName: state.DisplayName,
	}
	if handler.useGroups {
		payload[constants.FieldUserGroups] = groupsOrEmpty(state.Groups)
	}

	respond.OK(writer, payload)
}

/*
logout revokes the session's authentication.

GET|POST /auth/logout

Response:
  - 200: status "Logged out" (idempotent)
*/
func (handler *Handler) logout(writer http.ResponseWriter, request *http.Request) {
	sessionID := ctxutil.GetSessionID(request.Context())
	if err := handler.authService.Logout(request.Context(), sessionID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{constants.FieldStatus: "Logged out"})
}

// # Password Reset Flow

/*
getPasswordResetLink creates and emails single-use reset links.

POST /auth/getpasswordresetlink

Request:
  - Body: resetLinkRequest (Username or Email, exactly one required)

Response:
  - 200: status "Password reset link(s) sent for <usernames>."
  - 404: NO_SUCH_USER (username path only)
*/
func (handler *Handler) getPasswordResetLink(writer http.ResponseWriter, request *http.Request) {
	var input resetLinkRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	usernames, err := handler.authService.RequestPasswordReset(request.Context(), input.Username, input.Email)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		constants.FieldStatus: fmt.Sprintf("Password reset link(s) sent for %s.", strings.Join(usernames, " ")),
	})
}

/*
resetPasswordPage serves the browser-facing reset form.

GET /auth/resetpassword?uuid=<linkid>

Response:
  - 200: HTML form carrying the link id in a hidden input
  - 200: HTML error page for a malformed, unknown, or expired link
*/
func (handler *Handler) resetPasswordPage(writer http.ResponseWriter, request *http.Request) {
	linkID := requestutil.Query(request, "uuid")

	user, err := handler.authService.ResolveLink(request.Context(), linkID)
	if err != nil {
		message := "The password reset link is not valid."
		if apperr.IsCode(err, apperr.CodeLinkExpired) {
			message = "The password reset link has expired. Request a new one."
		}
		respond.HTML(writer, request, http.StatusOK, resetErrorTemplate, map[string]string{
			"Message": message,
		})
		return
	}

	respond.HTML(writer, request, http.StatusOK, resetFormTemplate, map[string]string{
		"Username": user.Username,
		"LinkID":   linkID,
	})
}

/*
changePassword redeems a reset link with fresh key material.

POST /auth/changepassword

Request:
  - Body: changePasswordRequest (PasswordLinkID, PublicKey, PrivateKey, Salt, IV)

Response:
  - 200: status "Password changed"
  - 404: LINK_NOT_FOUND (unknown or already redeemed)
  - 410: LINK_EXPIRED
*/
func (handler *Handler) changePassword(writer http.ResponseWriter, request *http.Request) {
	var input changePasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	envelope := &sec.Envelope{
		Privkey: input.PrivateKey,
		Salt:    input.Salt,
		IV:      input.IV,
	}

	err := handler.authService.ChangePassword(request.Context(), input.PasswordLinkID, input.PublicKey, envelope)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{constants.FieldStatus: "Password changed"})
}

// groupsOrEmpty keeps the wire field an array even when the user has no groups.
func groupsOrEmpty(groups []string) []string {
	if groups == nil {
		return []string{}
	}
	return groups
}

// # Reset Page Templates
//
// The element ids are part of the browser contract: the client-side reset
// script finds the form fields by these ids.

var resetFormTemplate = template.Must(template.New("resetform").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Set a new password</title>
</head>
<body>
  <h2>Reset password for {{.Username}}</h2>
  <form method="post" action="javascript:void(0);">
    <input type="hidden" id="resetpasswd_linkid" value="{{.LinkID}}">
    <p><label>New password: <input type="password" id="reset_password"></label></p>
    <p><label>Confirm password: <input type="password" id="reset_confirm_password"></label></p>
    <p><button type="button" id="setnewpassword_button">Set new password</button></p>
  </form>
  <div id="resetpasswd_status"></div>
</body>
</html>
`))

var resetErrorTemplate = template.Must(template.New("reseterror").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Password reset</title>
</head>
<body>
  <p>{{.Message}}</p>
</body>
</html>
`))
