package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth2 and federation error codes returned in the `error` field.
const (
	ErrCodeInvalidRequest            = "invalid_request"
	ErrCodeUnauthorizedClient        = "unauthorized_client"
	ErrCodeInvalidClient             = "invalid_client"
	ErrCodeInvalidGrant              = "invalid_grant"
	ErrCodeUnsupportedGrantType      = "unsupported_grant_type"
	ErrCodeInvalidToken              = "invalid_token"
	ErrCodeServerError               = "server_error"
	ErrCodeInvalidAuthorizationCode  = "invalid_authorization_code"
	ErrCodeAuthCodeClientMismatch    = "invalid_authorization_code_client_id"
	ErrCodeAuthCodeRedirectMismatch  = "invalid_authorization_code_redirect_uri"
	ErrCodeInvalidState              = "invalid_state"
	ErrCodeInvalidRedirect           = "invalid_redirect"
	ErrCodeInvalidOrigin             = "invalid_origin"
	ErrCodeGoogleOAuthError          = "google_oauth_error"
	ErrCodeGoogleTokenExchangeFailed = "google_token_exchange_failed"
	ErrCodeGoogleUserinfoFailed      = "google_userinfo_failed"
)

// ErrMalformedRecord marks a stored record that failed to decode or validate.
var ErrMalformedRecord = errors.New("oauth: malformed record")

// Error is a protocol-level outcome rendered as {error, error_description}.
type Error struct {
	Code        string
	Description string
	Status      int
	// Challenge, when set, is sent as the WWW-Authenticate header.
	Challenge string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response returns the JSON body for the error.
func (e *Error) Response() map[string]string {
	body := map[string]string{"error": e.Code}
	if e.Description != "" {
		body["error_description"] = e.Description
	}
	return body
}

// AsError extracts an *Error from err. Anything else becomes server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: ErrCodeServerError, Status: http.StatusInternalServerError}
}

func badRequest(code, description string) *Error {
	return &Error{Code: code, Description: description, Status: http.StatusBadRequest}
}

func errInvalidRequest(description string) *Error {
	return badRequest(ErrCodeInvalidRequest, description)
}

func errInvalidGrant(description string) *Error {
	return badRequest(ErrCodeInvalidGrant, description)
}

func errInvalidClient(description string) *Error {
	return &Error{
		Code:        ErrCodeInvalidClient,
		Description: description,
		Status:      http.StatusUnauthorized,
		Challenge:   `Basic realm="token"`,
	}
}

func errInvalidToken(description string) *Error {
	challenge := `Bearer error="invalid_token"`
	if description != "" {
		challenge += fmt.Sprintf(`, error_description=%q`, description)
	}
	return &Error{
		Code:        ErrCodeInvalidToken,
		Description: description,
		Status:      http.StatusUnauthorized,
		Challenge:   challenge,
	}
}

func errServer(description string) *Error {
	return &Error{Code: ErrCodeServerError, Description: description, Status: http.StatusInternalServerError}
}
