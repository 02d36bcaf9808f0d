package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a bearer token is missing or invalid.
var ErrUnauthorized = errors.New("remote: unauthorized")

// SignToken issues an HS256 token for subject, valid for ttl.
func SignToken(secret []byte, issuer, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("remote: signing secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// verifyRequest checks the Authorization header of r and returns the token
// subject.
func verifyRequest(r *http.Request, secret []byte, issuer string) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("%w: missing or malformed Authorization header", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	keyFunc := func(token *jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, errors.New("HMAC secret not configured")
		}
		return secret, nil
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, keyFunc, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims.Subject, nil
}
