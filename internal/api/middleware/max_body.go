package middleware

import (
	"net/http"

	"github.com/cloo-solutions/cseassist/internal/api"
)

// MaxBodyBytes caps request bodies at limit bytes. Declared oversize bodies
// are refused up front; chunked ones fail when the handler reads past limit,
// which api.DecodeJSON reports as 413 too.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > limit {
				api.BodyTooLarge(w, limit)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
