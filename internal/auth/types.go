package auth

import (
	"time"
)

// Roles carried in operator tokens. A viewer may read state; only an
// operator may change the autonomy policy.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// OperatorClaims identifies the caller of the operator API
type OperatorClaims struct {
	Subject string `json:"sub_name"`
	Role    string `json:"role"`
}

// TokenResponse is returned by the token command
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int64     `json:"expires_in"` // seconds
	TokenType   string    `json:"token_type"` // Always "Bearer"
}

// Config holds authentication configuration
type Config struct {
	JWTSecret           string        `json:"jwt_secret"`
	Issuer              string        `json:"issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// DefaultConfig returns default authentication configuration
func DefaultConfig() Config {
	return Config{
		JWTSecret:           "", // Must be set
		Issuer:              "perp-risk-agent",
		AccessTokenDuration: 12 * time.Hour,
	}
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrMissingKey   = AuthError{Code: "MISSING_SECRET", Message: "jwt secret is not configured"}
)
