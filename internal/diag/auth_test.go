package diag

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenValidator_RejectsEmptySecret(t *testing.T) {
	_, err := NewTokenValidator("", nil)
	require.Error(t, err)
}

func TestTokenValidator_IssueAndValidateRoundTrip(t *testing.T) {
	v, err := NewTokenValidator("top-secret", nil)
	require.NoError(t, err)

	token, err := v.IssueToken("dev-tool", time.Hour)
	require.NoError(t, err)
	require.NoError(t, v.Validate(token))
}

func TestTokenValidator_RejectsExpiredToken(t *testing.T) {
	v, err := NewTokenValidator("top-secret", nil)
	require.NoError(t, err)

	// IssueToken replaces a non-positive ttl with its one-hour default, so
	// the token is minted with a short ttl and validated against a clock
	// moved past its expiry.
	token, err := v.IssueToken("dev-tool", time.Minute)
	require.NoError(t, err)

	restore := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }
	defer func() { jwt.TimeFunc = restore }()
	require.Error(t, v.Validate(token))
}

func TestTokenValidator_RejectsWrongSecret(t *testing.T) {
	issuer, err := NewTokenValidator("secret-a", nil)
	require.NoError(t, err)
	token, err := issuer.IssueToken("dev-tool", time.Hour)
	require.NoError(t, err)

	verifier, err := NewTokenValidator("secret-b", nil)
	require.NoError(t, err)
	assert.Error(t, verifier.Validate(token))
}

func TestBearerToken_HeaderAndQueryFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", bearerToken(r))

	r2 := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", bearerToken(r2))
}

func TestRequireBearer_RejectsMissingOrInvalidToken(t *testing.T) {
	v, err := NewTokenValidator("top-secret", nil)
	require.NoError(t, err)

	called := false
	handler := v.requireBearer(func(w http.ResponseWriter, r *http.Request) { called = true })

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)

	token, err := v.IssueToken("dev-tool", time.Hour)
	require.NoError(t, err)
	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler(w2, req)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.True(t, called)
}
