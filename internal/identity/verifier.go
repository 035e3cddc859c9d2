package identity

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// Verifier validates bearer tokens issued by the auth system and
// extracts the caller's user id. The rest of the service trusts that
// id unconditionally; nothing here issues tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// tokenClaims accepts both the standard subject and the legacy
// "userId" claim that older clients still carry.
type tokenClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// NewVerifier creates an HS256 token verifier.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token verifier requires a secret")
	}
	return &Verifier{
		secret: []byte(secret),
		leeway: defaultLeeway,
	}, nil
}

// VerifySubject validates the token and returns the caller's user id.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims := tokenClaims{}
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	); err != nil {
		return "", err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = strings.TrimSpace(claims.UserID)
	}
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

// Sign mints a token for the user id. Tests and ops tooling only; the
// service itself never issues credentials.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
