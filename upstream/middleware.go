package upstream

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Middleware wraps a Fetcher without changing its signature.
type Middleware func(next Fetcher) Fetcher

// Chain composes middlewares left-to-right: the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Fetcher) Fetcher {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(next Fetcher) Fetcher {
		return func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			dur := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "upstream call failed",
					"method", req.Method, "url", req.URL,
					"duration_ms", dur.Milliseconds(), "error", err)
				return nil, err
			}
			logger.DebugContext(ctx, "upstream call",
				"method", req.Method, "url", req.URL, "status", resp.Status,
				"duration_ms", dur.Milliseconds(), "response_bytes", len(resp.Body))
			return resp, nil
		}
	}
}

// Timeout bounds each call. A zero duration disables it.
func Timeout(d time.Duration) Middleware {
	return func(next Fetcher) Fetcher {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) (*Response, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recovery converts a panic in a downstream Fetcher into *ErrPanic.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Fetcher) Fetcher {
		return func(ctx context.Context, req *Request) (resp *Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "upstream fetcher panic recovered",
						"panic", r, "stack", string(debug.Stack()))
					resp, err = nil, &ErrPanic{Value: r}
				}
			}()
			return next(ctx, req)
		}
	}
}
