package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Sign(models.Actor{ID: "d1", Role: models.RoleDriver}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.ID != "d1" || a.Role != models.RoleDriver {
		t.Fatalf("unexpected actor %+v", a)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cret")
	expired, _ := v.Sign(models.Actor{ID: "u1", Role: models.RoleRider}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	otherKey, _ := NewVerifier("other").Sign(models.Actor{ID: "u1", Role: models.RoleRider}, jwt.RegisteredClaims{})
	noRole, _ := v.Sign(models.Actor{ID: "u1"}, jwt.RegisteredClaims{})
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "role": "rider"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":   expired,
		"wrong key": otherKey,
		"no role":   noRole,
		"alg none":  none,
		"garbage":   "not-a-token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=fromquery", nil)
	if got := TokenFromRequest(r); got != "fromquery" {
		t.Fatalf("query token: got %q", got)
	}
	r.Header.Set("Authorization", "Bearer fromheader")
	if got := TokenFromRequest(r); got != "fromheader" {
		t.Fatalf("header token: got %q", got)
	}
}
