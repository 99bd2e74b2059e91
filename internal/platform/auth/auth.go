// Package auth gates mutating livestream endpoints behind a bearer token
// issued by the admin backend. Token issuance lives elsewhere.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errMissingToken = errors.New("missing bearer token")

// Middleware returns chi-compatible middleware that requires a valid HS256
// token signed with secret. An empty secret disables the check.
func Middleware(secret string, log *slog.Logger) func(next http.Handler) http.Handler {
	if secret == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verify(r, key); err != nil {
				log.Info("request unauthorized",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verify(r *http.Request, key []byte) error {
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return errMissingToken
	}
	_, err := jwt.Parse(strings.TrimSpace(raw), func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err
}
