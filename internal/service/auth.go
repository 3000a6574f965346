// Package service hosts the small application services the transport
// handlers depend on.
package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Auther verifies a bearer token and yields the authenticated user id.
// Issuance lives in the account service; the message plane only inspects.
type Auther interface {
	Verify(token string) (uuid.UUID, error)
}

// Interface guard
var _ Auther = (*JWTAuther)(nil)

// JWTAuther validates HS256 tokens whose subject is the user uuid.
type JWTAuther struct {
	secret []byte
}

func NewJWTAuther(secret string) *JWTAuther {
	return &JWTAuther{secret: []byte(secret)}
}

func (a *JWTAuther) Verify(token string) (uuid.UUID, error) {
	claims := new(jwt.RegisteredClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return userID, nil
}
