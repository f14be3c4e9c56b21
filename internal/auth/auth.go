// Package auth guards the HTTP API with a static bearer token.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrNoToken is returned by Validate when auth is enabled without a token.
var ErrNoToken = errors.New("auth enabled but no token configured")

// Config holds authentication configuration.
type Config struct {
	Enabled bool
	Token   string
	// ProtectReads extends the token check to GET and HEAD requests. Writes
	// such as store edits are always protected when auth is enabled.
	ProtectReads bool
}

// Validate reports configuration errors that must stop startup.
func (c Config) Validate() error {
	if c.Enabled && c.Token == "" {
		return ErrNoToken
	}
	return nil
}

// exemptPaths are always public regardless of auth configuration.
var exemptPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (c Config) requires(r *http.Request) bool {
	if !c.Enabled || exemptPaths[r.URL.Path] {
		return false
	}
	return c.ProtectReads || !isRead(r.Method)
}

// Middleware returns an HTTP middleware that enforces Bearer token auth
// on non-exempt requests when auth is enabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.requires(r) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")

			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="navd"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
