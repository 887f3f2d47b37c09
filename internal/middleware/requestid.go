package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"aura/internal/logs"
)

// maxRequestIDLen — чужой X-Request-Id длиннее этого не принимаем.
const maxRequestIDLen = 128

// RequestID берёт X-Request-Id клиента (или выдаёт uuid) и кладёт его в
// контекст через logs.WithRequestID — так он попадает во все logs.Ctx записи.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logs.WithRequestID(r.Context(), id)))
	})
}

func GetRequestID(r *http.Request) string {
	return logs.RequestID(r.Context())
}
