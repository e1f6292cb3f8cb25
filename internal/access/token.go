package access

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/icebiz/modgate/internal/apperr"
)

// Claims carried by a caller token.
type Claims struct {
	Groups    []string `json:"groups"`
	Superuser bool     `json:"is_superuser"`
	jwt.RegisteredClaims
}

// TokenParser turns HMAC-signed bearer tokens into callers.
type TokenParser struct {
	secret []byte
}

func NewTokenParser(secret string) *TokenParser {
	return &TokenParser{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (p *TokenParser) Enabled() bool {
	return p != nil && len(p.secret) > 0
}

// Parse validates raw and returns its caller.
func (p *TokenParser) Parse(raw string) (Caller, error) {
	if !p.Enabled() {
		return Caller{}, apperr.New(apperr.KindUnauthenticated, "token authentication is not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return p.secret, nil
	})
	if err != nil {
		return Caller{}, apperr.Wrap(apperr.KindUnauthenticated, err, "invalid token")
	}
	if !token.Valid {
		return Caller{}, apperr.New(apperr.KindUnauthenticated, "invalid token")
	}
	if claims.Subject == "" {
		return Caller{}, apperr.Wrap(apperr.KindUnauthenticated, errors.New("missing subject"), "invalid token")
	}

	return Caller{
		ID:            claims.Subject,
		Authenticated: true,
		Superuser:     claims.Superuser,
		Groups:        claims.Groups,
	}, nil
}

// Issue signs a token for caller, valid for ttl.
func (p *TokenParser) Issue(caller Caller, ttl time.Duration) (string, error) {
	if !p.Enabled() {
		return "", errors.New("token secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		Groups:    caller.Groups,
		Superuser: caller.Superuser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
