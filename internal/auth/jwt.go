// Package auth verifies the HS256 bearer tokens issued by the user service.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the actor identity in the subject and its role.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses raw and returns the actor it names.
func (v *Verifier) Verify(raw string) (models.Actor, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" || !c.Role.Valid() {
		return models.Actor{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	return models.Actor{ID: c.Subject, Role: c.Role}, nil
}

// Sign issues a token for actor. Used by tests and local tooling.
func (v *Verifier) Sign(actor models.Actor, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = actor.ID
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: actor.Role, RegisteredClaims: claims})
	return tok.SignedString(v.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header, then
// from the token query parameter (browsers cannot set headers on websocket
// upgrades).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
