// Package auth verifies bearer credentials issued by the external identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

var (
	// ErrMissingToken is returned when no bearer credential was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the credential does not verify or has no subject.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier checks HS256 JWTs and extracts the user id from the subject claim.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier for tokens signed with secret. A non-empty issuer is
// compared against the iss claim; a mismatch is logged but not rejected.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify validates token and returns its subject.
func (v *Verifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}

	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256(), v.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if v.issuer != "" {
		if iss, _ := tok.Issuer(); iss != v.issuer {
			log.Printf("WARN: token issuer mismatch: got %q, expected %q", iss, v.issuer)
		}
	}

	sub, ok := tok.Subject()
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return sub, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
