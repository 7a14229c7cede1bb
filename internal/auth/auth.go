// -------------------------------------------------------------------------------
// Authentication - Shared Ingress Token
//
// Project: Yggdrasil
//
// Verifies the shared token presented by request producers. The token is read
// from X-Yggdrasil-Token or from an Authorization: Bearer header and compared in
// constant time.
// -------------------------------------------------------------------------------

package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
)

// TokenHeader carries the ingress token.
const TokenHeader = "X-Yggdrasil-Token"

var (
	// ErrMissingCredentials is returned when auth is configured but the request
	// carries no token.
	ErrMissingCredentials = errors.New("missing authentication token")

	// ErrInvalidToken is returned when the presented token does not match.
	ErrInvalidToken = errors.New("invalid authentication token")
)

// -------------------------------------------------------------------------
// AUTH DISPATCH
// -------------------------------------------------------------------------

// Authenticate checks the request against the configured token. Returns nil
// when auth succeeds or is not configured.
func Authenticate(r *http.Request, cfg config.AuthConfig) error {
	if !NeedsAuth(cfg) {
		return nil
	}

	token := presentedToken(r)
	if token == "" {
		return ErrMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// NeedsAuth returns true if a token is configured.
func NeedsAuth(cfg config.AuthConfig) bool {
	return cfg.Token != ""
}

// presentedToken returns the token from the request. The dedicated header
// takes precedence over Authorization.
func presentedToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get(TokenHeader)); tok != "" {
		return tok
	}
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
