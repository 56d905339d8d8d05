package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Validator is an opaque predicate over inbound proxy requests. A request
// that fails validation is answered 403 without touching cache or upstream.
type Validator func(r *http.Request) bool

// NewBearerValidator returns a Validator accepting only requests carrying a
// bearer token signed (HMAC) with secret.
func NewBearerValidator(secret string) Validator {
	key := []byte(secret)
	return func(r *http.Request) bool {
		raw := extractBearerToken(r)
		if raw == "" {
			return false
		}
		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		return err == nil && token.Valid
	}
}

// extractBearerToken extracts a Bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
