package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"aura/internal/models"
)

// SharedSecretAuth: Authorization: Bearer <secret>. Пустой secret — без проверки.
func SharedSecretAuth(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(auth, p)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="device-api"`)
				models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized",
					"missing or invalid shared secret", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
