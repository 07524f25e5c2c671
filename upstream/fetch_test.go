package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/api/foods" {
			http.NotFound(w, r)
			return
		}
		if r.URL.RawQuery != "q=apple" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer x" {
			t.Errorf("authorization header not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"apple"}]`))
	}))
	defer srv.Close()

	fetch := HTTPFetcher(mustURL(t, srv.URL+"/v1/"), HTTPOptions{})
	h := http.Header{}
	h.Set("Authorization", "Bearer x")
	h.Set("Connection", "keep-alive")

	resp, err := fetch(context.Background(), &Request{Method: "GET", URL: "/api/foods?q=apple", Header: h})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() || string(resp.Body) != `[{"name":"apple"}]` {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatal("response headers not captured")
	}
}

func TestHTTPFetcherErrorStatusIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := HTTPFetcher(mustURL(t, srv.URL), HTTPOptions{})(context.Background(), &Request{URL: "/x"})
	if err != nil {
		t.Fatalf("HTTP 500 must not be a transport error: %v", err)
	}
	if resp.OK() || resp.Status != 500 {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestHTTPFetcherNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := mustURL(t, srv.URL)
	srv.Close()

	_, err := HTTPFetcher(base, HTTPOptions{})(context.Background(), &Request{URL: "/api/foods"})
	var ne *ErrNetwork
	if !errors.As(err, &ne) {
		t.Fatalf("err = %T %v, want *ErrNetwork", err, err)
	}
	if !IsUnavailable(err) {
		t.Fatal("IsUnavailable should be true")
	}
}

func TestHTTPFetcherBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	_, err := HTTPFetcher(mustURL(t, srv.URL), HTTPOptions{MaxBody: 10})(context.Background(), &Request{URL: "/"})
	if !errors.Is(err, errBodyTooLarge) {
		t.Fatalf("err = %v, want errBodyTooLarge", err)
	}
}

func TestFromHTTP(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/logs?day=1", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")

	req, err := FromHTTP(r)
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "POST" || req.URL != "/api/logs?day=1" || string(req.Body) != `{"a":1}` {
		t.Fatalf("got %+v", req)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatal("headers not captured")
	}
}

func TestResolve(t *testing.T) {
	base := mustURL(t, "http://backend:8000/root/")
	tests := map[string]string{
		"/api/foods?x=1":  "http://backend:8000/root/api/foods?x=1",
		"api/goals":       "http://backend:8000/root/api/goals",
		"https://other/x": "https://other/x",
	}
	for in, want := range tests {
		got, err := resolve(base, in)
		if err != nil || got != want {
			t.Errorf("resolve(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestPassThrough(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = r.Method + " " + r.URL.Path + " " + string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h, err := NewPassThrough(mustURL(t, srv.URL), nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/goals/1", strings.NewReader("kcal=2000")))

	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d", rec.Code)
	}
	if gotBody != "PUT /api/goals/1 kcal=2000" {
		t.Fatalf("backend saw %q", gotBody)
	}

	if _, err := NewPassThrough(mustURL(t, "/relative"), nil); err == nil {
		t.Fatal("expected error for relative backend URL")
	}
}

func TestPassThroughBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := mustURL(t, srv.URL)
	srv.Close()

	h, _ := NewPassThrough(base, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/logs/3", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rec.Code)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ *Request) (*Response, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &Response{Status: 200}, nil
		}
	}
	_, err := Timeout(20*time.Millisecond)(slow)(context.Background(), &Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !IsUnavailable(err) {
		t.Fatal("a timed out call counts as unavailable")
	}
}
