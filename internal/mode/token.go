package mode

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the signed body of a context token.
type Claims struct {
	Mode    Mode   `json:"mode"`
	Actor   string `json:"actor"`
	Session string `json:"sid"`
	Node    string `json:"node"`
	jwt.RegisteredClaims
}

func signToken(secret []byte, c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

func parseToken(secret []byte, token string, now func() time.Time) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
