// Package auth is the identity adapter: it turns a GitHub login into a signed
// identity token and turns that token back into an Identity on each request.
//
// AUTHENTICATION FLOW:
//  1. User visits /auth/github/login and is redirected to GitHub
//  2. GitHub calls back /auth/github/callback with a code
//  3. Server exchanges the code for the GitHub profile
//  4. Server issues an identity JWT and stores it in an HttpOnly cookie
//  5. On later calls the middleware validates the cookie and puts the
//     Identity in the request context
//
// The token carries the EXTERNAL identity ("github:<id>"), not the internal
// user id. A fresh login has no user row until the profile is saved, and the
// handlers map the external id to a user through service.UserService.Resolve.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "threadline"

	// DefaultTokenTTL is how long an identity token stays valid.
	DefaultTokenTTL = 24 * time.Hour
)

// Identity is who the caller is according to the identity provider.
type Identity struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Email      string `json:"email,omitempty"`
}

// TokenService signs and verifies identity tokens with an HMAC secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret), ttl: DefaultTokenTTL}, nil
}

// claims is the JWT payload. "sub" holds the external id; the profile
// fields ride along so onboarding can prefill the form without another
// provider round trip.
type claims struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"picture,omitempty"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Generate signs an identity token valid for the service's TTL.
func (s *TokenService) Generate(id Identity) (string, error) {
	return s.GenerateWithDuration(id, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime.
// Used in tests to mint already-expired tokens.
func (s *TokenService) GenerateWithDuration(id Identity, d time.Duration) (string, error) {
	if id.ExternalID == "" {
		return "", errors.New("auth: identity has no external id")
	}
	now := time.Now()

	c := claims{
		Name:      id.Name,
		AvatarURL: id.AvatarURL,
		Email:     id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ExternalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token and returns the Identity it carries.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid
//   - Token is not expired, and has an expiry at all
//   - Issuer matches
//   - Algorithm is HS256, which rules out "none" and algorithm confusion
func (s *TokenService) Validate(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}

	return &Identity{
		ExternalID: c.Subject,
		Name:       c.Name,
		AvatarURL:  c.AvatarURL,
		Email:      c.Email,
	}, nil
}
