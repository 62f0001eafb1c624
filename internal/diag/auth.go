package diag

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/camerarecorder/multicam-hal/internal/logging"
)

// TokenValidator authenticates bearer tokens presented to the diagnostics
// surface. It deliberately carries none of the role/rate-limiting machinery
// a client-facing API needs: the diagnostics surface is read-only and every
// holder of a valid token gets the same access.
type TokenValidator struct {
	secret string
	logger *logging.Logger
}

// NewTokenValidator builds a validator around a pre-shared HS256 secret.
func NewTokenValidator(secret string, logger *logging.Logger) (*TokenValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("diag: jwt secret must be provided")
	}
	if logger == nil {
		logger = logging.GetLogger("diag-auth")
	}
	return &TokenValidator{secret: secret, logger: logger}, nil
}

// IssueToken mints a bearer token for out-of-band distribution to developer
// tooling. Diagnostics tokens carry no role claim: possession is the only
// check.
func (v *TokenValidator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(v.secret))
	if err != nil {
		return "", fmt.Errorf("diag: failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks a bearer token's signature, algorithm and expiry.
func (v *TokenValidator) Validate(tokenString string) error {
	if strings.TrimSpace(tokenString) == "" {
		return fmt.Errorf("diag: token cannot be empty")
	}
	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unsupported signing method: %v", token.Method.Alg())
		}
		return []byte(v.secret), nil
	})
	if err != nil {
		return fmt.Errorf("diag: token validation failed: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("diag: token is not valid")
	}
	return nil
}

// bearerToken extracts a token from the Authorization header, falling back
// to a ?token= query parameter for clients (like browser-based WebSocket
// consumers) that cannot set custom headers on the handshake.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	return r.URL.Query().Get("token")
}

// requireBearer wraps a handler so it only runs once a valid bearer token
// has been presented.
func (v *TokenValidator) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if err := v.Validate(token); err != nil {
			v.logger.WithError(err).Warn("rejected unauthenticated diagnostics request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
