package transport

import (
	"fmt"
	"net/url"
)

// ErrorKind enumerates the transport-level error taxonomy.
type ErrorKind string

const (
	ErrInvalidURL       ErrorKind = "invalid_url"
	ErrConnectionFailed ErrorKind = "connection_failed"
	ErrNotConnected     ErrorKind = "not_connected"
	ErrSendFailed       ErrorKind = "send_failed"
	ErrTimeoutKind      ErrorKind = "timeout"
	ErrProtocolErrorKind ErrorKind = "protocol_error"
)

// TransportError is the typed error every transport variant returns for
// the TransportError taxonomy. Unwrap exposes the underlying
// cause (a dial error, an HTTP status, a parse failure) for errors.Is
// callers while Kind gives programmatic callers a stable discriminator.
type TransportError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("transport: %s", e.Kind)
	}
	return fmt.Sprintf("transport: %s: %s", e.Kind, e.Msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CheckURLSafety enforces the network-transport URL-safety rule, generalized
// to every network transport: plaintext (non-TLS) schemes are only
// permitted against localhost when production is true, and auth tokens
// must travel as headers rather than query parameters, so any
// pre-populated query string on a URL the proxy is about to dial is
// rejected outright (a caller embedding a token there is a config bug,
// not something to silently strip).
func CheckURLSafety(rawURL string, secureScheme, plaintextScheme string, production bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &TransportError{Kind: ErrInvalidURL, Msg: "parse url", Err: err}
	}
	if u.Scheme != secureScheme && u.Scheme != plaintextScheme {
		return &TransportError{Kind: ErrInvalidURL, Msg: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Scheme == plaintextScheme && production && !isLocalhost(u.Hostname()) {
		return &TransportError{Kind: ErrInvalidURL, Msg: "plaintext scheme only allowed against localhost in production mode"}
	}
	if len(u.Query()) > 0 {
		return &TransportError{Kind: ErrInvalidURL, Msg: "query parameters are not permitted on upstream URLs (auth must travel in headers)"}
	}
	return nil
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
