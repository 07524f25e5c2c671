package upstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewPassThrough returns a reverse proxy that forwards requests to the
// backend untouched. The agent uses it for every non-read request: writes
// are never cached and never queued implicitly.
func NewPassThrough(base *url.URL, logger *slog.Logger) (http.Handler, error) {
	if base == nil || base.Host == "" {
		return nil, fmt.Errorf("upstream: pass-through needs an absolute backend URL")
	}
	if logger == nil {
		logger = slog.Default()
	}
	proxy := httputil.NewSingleHostReverseProxy(base)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WarnContext(r.Context(), "upstream: pass-through failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}
	return proxy, nil
}
