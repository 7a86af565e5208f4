// Package auth gates the Engine Facade's admin-only verbs (manual
// liquidation, operation cancellation) behind a JWT bearer token.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/riskcore/engine/internal/apperr"
)

// Claims identifies the admin principal permitted to call gated facade
// verbs.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// IssueAdminToken mints a token for subject with role "admin", valid for
// ttl, signed with secret.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Subject: subject,
		Role:    "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "riskcore-engine",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateAdmin parses tokenString and requires an HMAC signature, the
// issuer IssueAdminToken stamps, and role "admin".
func ValidateAdmin(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "auth.ValidateAdmin", "token parse/verify failed", err)
	}
	if !token.Valid {
		return nil, apperr.New(apperr.KindUnauthorized, "auth.ValidateAdmin", "token invalid")
	}
	if claims.Issuer != "riskcore-engine" {
		return nil, apperr.New(apperr.KindUnauthorized, "auth.ValidateAdmin", "token issuer not accepted")
	}
	if claims.Role != "admin" {
		return nil, apperr.New(apperr.KindUnauthorized, "auth.ValidateAdmin", "principal lacks admin role")
	}
	return claims, nil
}
