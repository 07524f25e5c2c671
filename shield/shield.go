// Package shield provides the HTTP middleware in front of the agent's own
// endpoints: trace ids with a per-request logger, security headers, body
// limits and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.TraceID(logger))
//	r.Group(func(r chi.Router) {
//	    for _, mw := range shield.AgentStack(1 << 20) {
//	        r.Use(mw)
//	    }
//	    r.Post("/_agent/push", ...)
//	})
//
// Intercepted reads and pass-through writes only get TraceID: their headers
// and bodies belong to the backend.
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// AgentStack returns the middleware for /_agent endpoints, outermost first:
// HeadToGet, SecurityHeaders, MaxBody. TraceID is applied separately at the
// router root.
func AgentStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
	}
}

// HeadToGet lets GET-only agent routes answer HEAD probes from load
// balancers and uptime checks. net/http drops the body for HEAD.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
