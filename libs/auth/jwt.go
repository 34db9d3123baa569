package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Marketplace roles carried in the "role" claim.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Claims identifies the caller. Sub is the client or provider profile id. Exp and Iat are
// unix seconds; a zero Exp means the token does not expire.
type Claims struct {
	Sub  string
	Role string
	Exp  int64
	Iat  int64
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func SignHS256(claims Claims, secret string) (string, error) {
	tc := tokenClaims{
		Role:             claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: claims.Sub},
	}
	if claims.Exp > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(time.Unix(claims.Exp, 0))
	}
	if claims.Iat > 0 {
		tc.IssuedAt = jwt.NewNumericDate(time.Unix(claims.Iat, 0))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString([]byte(secret))
}

// ParseAndVerifyHS256 accepts only HS256 tokens with a subject and a known role.
func ParseAndVerifyHS256(token, secret string) (*Claims, error) {
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if tc.Subject == "" || !knownRole(tc.Role) {
		return nil, ErrInvalidToken
	}

	claims := &Claims{Sub: tc.Subject, Role: tc.Role}
	if tc.ExpiresAt != nil {
		claims.Exp = tc.ExpiresAt.Unix()
	}
	if tc.IssuedAt != nil {
		claims.Iat = tc.IssuedAt.Unix()
	}
	return claims, nil
}

func knownRole(role string) bool {
	switch role {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}
