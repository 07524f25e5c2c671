package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/goldenrodger5/nutrivize-edge/idgen"
	"github.com/goldenrodger5/nutrivize-edge/kit"
)

var newTraceID = idgen.NanoID(12)

// TraceID assigns a trace id to each request, or keeps the caller's
// X-Trace-ID if it sent one, and injects it into the context, the response
// headers and a per-request logger derived from base.
func TraceID(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" || len(traceID) > 64 {
				traceID = newTraceID()
			}

			ctx := kit.WithTraceID(r.Context(), traceID)
			if win := r.Header.Get("X-Window-ID"); win != "" {
				ctx = kit.WithWindowID(ctx, win)
			}
			w.Header().Set("X-Trace-ID", traceID)

			logger := base.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("request", "remote_addr", r.RemoteAddr)

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
