package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType is the "typ" claim distinguishing the two token roles.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims carries the payload of both token kinds. Display claims are set on
// access tokens only and exist for stateless inspection by downstream
// consumers; nothing sensitive belongs here.
type Claims struct {
	TokenType    string `json:"typ"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
	IdentityType string `json:"identity_type,omitempty"`
	jwt.RegisteredClaims
}

// DisplayClaims are the non-sensitive extras embedded into access tokens.
type DisplayClaims struct {
	Username     string
	Email        string
	IdentityType string
}

// TokenManager issues and verifies HS256-signed tokens. It is pure: no I/O,
// no suspension. Revocation lives in the session ledger keyed by jti.
type TokenManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithTokenClock overrides the time source, useful for expiry tests.
func WithTokenClock(fn func() time.Time) TokenManagerOption {
	return func(m *TokenManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewTokenManager constructs a manager for the given signing secret.
func NewTokenManager(secret, issuer string, opts ...TokenManagerOption) (*TokenManager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	m := &TokenManager{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// IssueAccess signs an access token for subject with a fresh jti and the
// supplied display claims.
func (m *TokenManager) IssueAccess(subject string, ttl time.Duration, display DisplayClaims) (token, jti string, expiresAt time.Time, err error) {
	return m.issue(subject, ttl, TokenTypeAccess, display)
}

// IssueRefresh signs a refresh token for subject. Refresh tokens carry no
// business claims.
func (m *TokenManager) IssueRefresh(subject string, ttl time.Duration) (token, jti string, expiresAt time.Time, err error) {
	return m.issue(subject, ttl, TokenTypeRefresh, DisplayClaims{})
}

func (m *TokenManager) issue(subject string, ttl time.Duration, typ TokenType, display DisplayClaims) (string, string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", "", time.Time{}, ErrInvalidInput
	}
	if ttl <= 0 {
		return "", "", time.Time{}, ErrInvalidInput
	}

	now := m.now().UTC()
	exp := now.Add(ttl)
	jti := uuid.NewString()

	claims := Claims{
		TokenType:    string(typ),
		Username:     display.Username,
		Email:        display.Email,
		IdentityType: display.IdentityType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, jti, exp, nil
}

// Verify validates signature, expiry and token type. Failures are typed:
// ErrTokenExpired, ErrTokenTypeMismatch, or ErrTokenInvalid for everything
// malformed or tampered with. It never panics across the trust boundary.
func (m *TokenManager) Verify(token string, want TokenType) (*Claims, error) {
	claims, err := m.parse(token, true)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != string(want) {
		return nil, ErrTokenTypeMismatch
	}
	return claims, nil
}

// PeekJTI reads the jti from a token whose signature checks out, skipping
// claim validation so revocation bookkeeping works on expired tokens too.
// Returns the empty string when the token cannot be trusted at all.
func (m *TokenManager) PeekJTI(token string) string {
	claims, err := m.parse(token, false)
	if err != nil {
		return ""
	}
	return claims.ID
}

func (m *TokenManager) parse(token string, validateClaims bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" && validateClaims {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
