package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/hayes/lecturesync/pkg/logger"
)

// ConnIDHeader carries a caller-supplied correlation id.
const ConnIDHeader = "X-Request-ID"

// ConnID stores a correlation id in the request context, reusing the
// X-Request-ID header when present, and echoes it on the response.
func ConnID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(ConnIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(ConnIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithConnID(r.Context(), id)))
	})
}
