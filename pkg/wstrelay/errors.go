package wstrelay

import (
	"errors"
	"net/http"
)

// ErrNotPaired is returned by Resolve when no pairing exists for the
// requested host id.
var ErrNotPaired = errors.New("host is not paired")

// ErrSessionInvalid is returned by the token manager when the relay
// definitively rejects the stored refresh token. The stored token pair is
// cleared before this is returned.
var ErrSessionInvalid = errors.New("relay session is invalid")

// IsAuthStatus reports whether an HTTP status code signals an
// authentication failure that the dispatcher may recover from.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
