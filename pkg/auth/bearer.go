package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// BearerValidator validates bearer tokens presented under the bearer scheme
// and extracts the caller identity.
type BearerValidator struct {
	secret []byte
	issuer string
}

// HeraldClaims are the JWT claims the dispatcher expects: the subject carries
// no meaning here, identity is the user_id claim bound to a database.
type HeraldClaims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"user_id"`
	Database string `json:"database"`
}

// NewBearerValidator creates a validator for HMAC-signed tokens. An empty
// secret yields a nil validator, which rejects all bearer credentials.
func NewBearerValidator(secret []byte, issuer string) *BearerValidator {
	if len(secret) == 0 {
		return nil
	}
	return &BearerValidator{secret: secret, issuer: issuer}
}

// Verify parses and validates the token and checks its database binding.
func (v *BearerValidator) Verify(database, tokenStr string) (int64, error) {
	claims := &HeraldClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return 0, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return 0, fmt.Errorf("%w: unexpected issuer", ErrUnauthenticated)
	}
	if claims.UserID == 0 {
		return 0, fmt.Errorf("%w: token user binding is required", ErrUnauthenticated)
	}
	if claims.Database != "" && claims.Database != database {
		return 0, fmt.Errorf("%w: token bound to another database", ErrUnauthenticated)
	}
	return claims.UserID, nil
}

// Sign issues a token for userID, used by tests and the login surface.
func (v *BearerValidator) Sign(claims HeraldClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
