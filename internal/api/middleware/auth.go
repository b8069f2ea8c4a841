package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/cloo-solutions/cseassist/internal/api"
)

// BearerToken requires "Authorization: Bearer <token>" on every request. An
// empty token disables the check.
func BearerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given, err := bearer(r.Header.Get("Authorization"))
			if err == "" && subtle.ConstantTimeCompare([]byte(given), want) != 1 {
				err = "invalid api token"
			}
			if err != "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="csed"`)
				api.Error(w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearer extracts the credentials of a Bearer header. The scheme is
// case-insensitive. A non-empty second value describes what is wrong.
func bearer(header string) (string, string) {
	if header == "" {
		return "", "missing authorization header"
	}
	scheme, credentials, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization format"
	}
	credentials = strings.TrimSpace(credentials)
	if credentials == "" {
		return "", "invalid authorization format"
	}
	return credentials, ""
}
