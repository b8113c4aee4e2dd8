package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/harvester/idgen"
	"github.com/hazyhaar/harvester/kit"
)

// RequestID tags each request with an id, taken from X-Request-Id when the
// caller sent one. The id goes into the context under kit.RequestIDKey, the
// response headers, and a per-request logger stored under LoggerKey.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = idgen.RequestID()
			}
			ctx := kit.WithRequestID(r.Context(), id)
			w.Header().Set("X-Request-Id", id)

			l := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, l)
			l.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
