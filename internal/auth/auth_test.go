package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret")
	tok, err := v.IssueToken("user-1", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret")

	other, err := NewVerifier("other").IssueToken("user-1", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := v.IssueToken("user-1", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")
	tok, err := v.IssueToken("user-1", time.Hour)
	require.NoError(t, err)

	var seen string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFrom(r.Context())
	}))

	cases := []struct {
		name     string
		setup    func(r *http.Request)
		wantCode int
		wantID   string
	}{
		{"anonymous", func(r *http.Request) {}, http.StatusOK, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }, http.StatusOK, "user-1"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "access_token=" + tok }, http.StatusOK, "user-1"},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantID, seen)
		})
	}
}
