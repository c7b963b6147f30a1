// Package token issues and checks admin access tokens (JWT, HS256).
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/iurnickita/donationledger/internal/failure"
)

var (
	ErrInvalidToken = failure.New(failure.KindInvalid, "invalid token")
	ErrNoSecret     = failure.New(failure.KindInvalid, "token secret is not configured")
)

const issuer = "donationledger"

type Claims struct {
	jwt.RegisteredClaims
}

// BuildJWTString выпускает токен оператора subject на ttl.
func BuildJWTString(secret string, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GetSubject проверяет подпись и срок и возвращает оператора.
func GetSubject(secret string, tokenString string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.Issuer != issuer {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
