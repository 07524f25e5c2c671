package upstream

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithRetry retries calls that failed with a transport error, doubling the
// wait from baseBackoff each time. HTTP error statuses are not retried, nor
// is an open circuit. The wait respects ctx.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) Middleware {
	return func(next Fetcher) Fetcher {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, req)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if ctx.Err() != nil {
					return nil, lastErr
				}
				var co *ErrCircuitOpen
				if errors.As(err, &co) {
					return nil, err
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "upstream: retrying",
							"method", req.Method, "url", req.URL,
							"attempt", attempt+1, "max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(), "error", err)
					}
					t := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						t.Stop()
						return nil, lastErr
					case <-t.C:
					}
				}
			}
			return nil, lastErr
		}
	}
}
