package auth

import "testing"

func TestMapTokenError_RFC6749Body(t *testing.T) {
	cases := []struct {
		body string
		want ErrorCode
	}{
		{`{"error":"invalid_grant","error_description":"expired code"}`, ErrCodeInvalidGrant},
		{`{"error":"invalid_client"}`, ErrCodeInvalidClient},
		{`{"error":"unsupported_grant_type"}`, ErrCodeUnsupportedGrantType},
		{`{"error":"access_denied"}`, ErrCodeAccessDenied},
	}
	for _, c := range cases {
		got := mapTokenError(400, []byte(c.body))
		if got.Code != c.want {
			t.Errorf("body %q: got code %v, want %v", c.body, got.Code, c.want)
		}
	}
}

func TestMapTokenError_ServerErrorDegradesNonOAuthBody(t *testing.T) {
	got := mapTokenError(502, []byte("<html>bad gateway</html>"))
	if got.Code != ErrCodeServerError {
		t.Fatalf("expected SERVER_ERROR for 5xx non-OAuth body, got %v", got.Code)
	}
}

func TestMapTokenError_UnknownForUnparseableNon5xxBody(t *testing.T) {
	got := mapTokenError(400, []byte("not json"))
	if got.Code != ErrCodeUnknown {
		t.Fatalf("expected UNKNOWN_ERROR, got %v", got.Code)
	}
}

func TestAuthError_MessageNeverEmbedsToken(t *testing.T) {
	err := ErrMissingToken
	if err.Error() != "auth: MISSING_TOKEN: No access token provided" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
