package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/jobmon-org/jobmon/internal/cmn/logger"
)

const (
	requestIDHeader = "X-Request-ID"
	structlogHeader = "X-Server-Structlog-Context"
	structlogField  = "server_structlog_context"
)

// requestContext assigns each request a correlation id and merges any
// client-supplied structlog context into the request logger, so server log
// lines can be joined with the client's.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logger.WithValues(r.Context(), "request_id", requestID)

		raw := r.Header.Get(structlogHeader)
		if raw == "" {
			raw = r.URL.Query().Get(structlogField)
		}
		if raw != "" {
			var fields map[string]any
			if err := json.Unmarshal([]byte(raw), &fields); err == nil {
				keyvals := make([]any, 0, len(fields)*2)
				for k, v := range fields {
					keyvals = append(keyvals, k, v)
				}
				ctx = logger.WithValues(ctx, keyvals...)
			}
		}

		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
