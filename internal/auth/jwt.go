package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const audience = "perp-risk-agent-api"

// JWTManager handles JWT token operations
type JWTManager struct {
	secret              []byte
	issuer              string
	accessTokenDuration time.Duration
	now                 func() time.Time
}

// Claims represents the JWT claims
type Claims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg Config) (*JWTManager, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrMissingKey
	}
	def := DefaultConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.AccessTokenDuration <= 0 {
		cfg.AccessTokenDuration = def.AccessTokenDuration
	}
	return &JWTManager{
		secret:              []byte(cfg.JWTSecret),
		issuer:              cfg.Issuer,
		accessTokenDuration: cfg.AccessTokenDuration,
		now:                 time.Now,
	}, nil
}

// GenerateAccessToken signs an HS256 token for subject. ttl <= 0 uses the
// configured duration.
func (m *JWTManager) GenerateAccessToken(subject, role string, ttl time.Duration) (*TokenResponse, error) {
	if subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	switch role {
	case RoleViewer, RoleOperator:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = m.accessTokenDuration
	}

	now := m.now()
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OperatorClaims: OperatorClaims{Subject: subject, Role: role},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Audience:  []string{audience},
		},
	})

	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signedToken,
		ExpiresAt:   expiresAt.UTC(),
		ExpiresIn:   int64(ttl.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (m *JWTManager) ValidateAccessToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &claims.OperatorClaims, nil
}
