package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMAC computes an HMAC-SHA256 over data using key.
func HMAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// VerifyHMAC checks expectedMAC against HMAC-SHA256(key, data) in
// constant time.
func VerifyHMAC(key, data, expectedMAC []byte) bool {
	actual := HMAC(key, data)
	return subtle.ConstantTimeCompare(actual, expectedMAC) == 1
}

// ValidateJWT parses and verifies an HMAC-signed bearer token against
// secret, rejecting any other signing method.
func ValidateJWT(token, secret string) (bool, error) {
	if token == "" || secret == "" {
		return false, errors.New("token/secret must not be empty")
	}

	keyFn := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}

	parsed, err := jwt.Parse(token, keyFn,
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return false, err
	}
	return parsed.Valid, nil
}
