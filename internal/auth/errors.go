package auth

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is the closed set of auth failure codes an AuthError can
// carry, matching the RFC 6749 §5.2 token-endpoint error codes plus a
// handful this package raises locally.
type ErrorCode string

const (
	ErrCodeMissingToken            ErrorCode = "MISSING_TOKEN"
	ErrCodeInvalidRequest          ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidClient           ErrorCode = "INVALID_CLIENT"
	ErrCodeInvalidGrant            ErrorCode = "INVALID_GRANT"
	ErrCodeUnauthorizedClient      ErrorCode = "UNAUTHORIZED_CLIENT"
	ErrCodeUnsupportedGrantType    ErrorCode = "UNSUPPORTED_GRANT_TYPE"
	ErrCodeInvalidScope            ErrorCode = "INVALID_SCOPE"
	ErrCodeAccessDenied            ErrorCode = "ACCESS_DENIED"
	ErrCodeUnsupportedResponseType ErrorCode = "UNSUPPORTED_RESPONSE_TYPE"
	ErrCodeServerError             ErrorCode = "SERVER_ERROR"
	ErrCodeTemporarilyUnavailable  ErrorCode = "TEMPORARILY_UNAVAILABLE"
	ErrCodeUnknown                 ErrorCode = "UNKNOWN_ERROR"
)

// rfc6749ErrorCodes maps the OAuth2 token endpoint's "error" field
// (RFC 6749 §5.2) onto ErrorCode.
var rfc6749ErrorCodes = map[string]ErrorCode{
	"invalid_request":           ErrCodeInvalidRequest,
	"invalid_client":            ErrCodeInvalidClient,
	"invalid_grant":             ErrCodeInvalidGrant,
	"unauthorized_client":       ErrCodeUnauthorizedClient,
	"unsupported_grant_type":    ErrCodeUnsupportedGrantType,
	"invalid_scope":             ErrCodeInvalidScope,
	"access_denied":             ErrCodeAccessDenied,
	"unsupported_response_type": ErrCodeUnsupportedResponseType,
	"server_error":              ErrCodeServerError,
	"temporarily_unavailable":   ErrCodeTemporarilyUnavailable,
}

// AuthError is the typed error every auth.Provider returns for a
// classifiable failure. Msg never contains the credential that
// triggered it.
type AuthError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("auth: %s", e.Code)
	}
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrMissingToken is returned when a bearer/oauth2 provider is
// configured with an empty credential.
var ErrMissingToken = &AuthError{Code: ErrCodeMissingToken, Msg: "No access token provided"}

type rfc6749ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// mapTokenError classifies a non-200 token endpoint response into an
// AuthError. A parseable RFC 6749 error body drives the code; a 5xx
// with an unparseable body degrades to SERVER_ERROR, anything else to
// UNKNOWN_ERROR.
func mapTokenError(statusCode int, body []byte) *AuthError {
	var parsed rfc6749ErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		if code, ok := rfc6749ErrorCodes[parsed.Error]; ok {
			return &AuthError{Code: code, Msg: parsed.ErrorDescription}
		}
	}
	if statusCode >= 500 {
		return &AuthError{Code: ErrCodeServerError, Msg: fmt.Sprintf("token endpoint returned %d", statusCode)}
	}
	return &AuthError{Code: ErrCodeUnknown, Msg: fmt.Sprintf("token endpoint returned %d", statusCode)}
}
