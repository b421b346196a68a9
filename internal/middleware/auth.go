package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// tokenOK accepts the expected token from the password query parameter, an
// Authorization bearer header (prefix match is case-insensitive), or the
// X-Auth-Token header.
func tokenOK(r *http.Request, expected string) bool {
	if r == nil || expected == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == expected {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == expected {
		return true
	}
	return false
}

// TokenAuth guards the operator API with a shared token. An empty token
// disables the check entirely; the health route is always open.
func TokenAuth(getToken func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			expected := getToken()
			if expected == "" || c.Request().URL.Path == "/healthz" {
				return next(c)
			}
			if !tokenOK(c.Request(), expected) {
				return c.String(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}
