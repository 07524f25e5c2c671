// Package upstream is the edge agent's only path to the Nutrivize backend.
//
// Every network call goes through a Fetcher: bytes and headers in, a
// Response out. Transport failures come back as *ErrNetwork; HTTP error
// statuses are ordinary responses so callers decide what they mean.
// Cross-cutting behaviour (timeouts, retries, circuit breaking, logging,
// panic recovery) is layered on with Middleware:
//
//	fetch := upstream.Chain(
//	    upstream.Logging(logger),
//	    upstream.WithCircuitBreaker(cb, "backend"),
//	)(upstream.HTTPFetcher(base, upstream.HTTPOptions{}))
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultMaxBody caps response bodies read from the backend (10 MiB).
const DefaultMaxBody int64 = 10 << 20

// Request is an outgoing call to the backend. URL may be absolute or
// relative to the fetcher's base URL.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// FromHTTP captures an intercepted inbound request as an upstream Request.
func FromHTTP(r *http.Request) (*Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("upstream: read request body: %w", err)
		}
		body = b
	}
	return &Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// Response is a fully read backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Fetcher performs one backend call.
type Fetcher func(ctx context.Context, req *Request) (*Response, error)

// HTTPOptions configures HTTPFetcher.
type HTTPOptions struct {
	// Client overrides the HTTP client. Default: a client without its own
	// timeout; deadlines come from the context (see Timeout middleware).
	Client *http.Client
	// MaxBody caps response bodies. Default: DefaultMaxBody.
	MaxBody int64
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host",
}

// HTTPFetcher returns a Fetcher that sends requests to the backend at base.
func HTTPFetcher(base *url.URL, opts HTTPOptions) Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}

	return func(ctx context.Context, req *Request) (*Response, error) {
		target, err := resolve(base, req.URL)
		if err != nil {
			return nil, err
		}
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		hreq, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("upstream: create request: %w", err)
		}
		for k, v := range req.Header {
			hreq.Header[k] = append([]string(nil), v...)
		}
		for _, h := range hopHeaders {
			hreq.Header.Del(h)
		}

		resp, err := client.Do(hreq)
		if err != nil {
			return nil, &ErrNetwork{Method: method, URL: target, Cause: err}
		}
		defer resp.Body.Close()

		data, err := limitedReadAll(resp.Body, maxBody)
		if err != nil {
			return nil, &ErrNetwork{Method: method, URL: target, Cause: err}
		}
		return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
	}
}

func resolve(base *url.URL, raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("upstream: parse url %q: %w", raw, err)
	}
	if ref.IsAbs() || base == nil {
		return ref.String(), nil
	}
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return u.String(), nil
}

var errBodyTooLarge = errors.New("upstream: response body too large")

func limitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errBodyTooLarge
	}
	return data, nil
}
