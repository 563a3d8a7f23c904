package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, expiresAt, err := issuer.Issue("user-1", "technician")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected expiry in the future, got %s", expiresAt)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Role != "technician" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	issued := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer("secret", time.Hour)
	issuer.now = func() time.Time { return issued }
	token, _, err := issuer.Issue("user-1", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewTokenIssuer("other-secret", time.Hour)
	other.now = issuer.now

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(issued.Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	later := NewTokenIssuer("secret", time.Hour)
	later.now = func() time.Time { return issued.Add(2 * time.Hour) }

	cases := []struct {
		name    string
		issuer  *TokenIssuer
		token   string
		wantErr error
	}{
		{name: "expired", issuer: later, token: token, wantErr: ErrTokenExpired},
		{name: "wrong secret", issuer: other, token: token, wantErr: ErrTokenInvalid},
		{name: "garbage", issuer: issuer, token: "not-a-token", wantErr: ErrTokenInvalid},
		{name: "alg none", issuer: issuer, token: unsigned, wantErr: ErrTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.issuer.Verify(tc.token); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}
