package snapshot

import "testing"

func TestKey(t *testing.T) {
	vol := Volatile(DefaultVolatileParams)
	tests := []struct {
		method, url, want string
	}{
		{"get", "/api/foods", "GET /api/foods"},
		{"GET", "https://app.example.com/api/foods?b=2&a=1", "GET /api/foods?a=1&b=2"},
		{"GET", "/api/foods?a=1&_=1699999&utm_source=mail", "GET /api/foods?a=1"},
		{"GET", "/api/logs?date=2024-01-01&t=55#frag", "GET /api/logs?date=2024-01-01"},
		{"GET", "/api//meals/../goals", "GET /api/goals"},
		{"GET", "/static/", "GET /static/"},
		{"GET", "", "GET /"},
		{"GET", "/search?q=b&q=a", "GET /search?q=a&q=b"},
		{"HEAD", "/x?cb=1&cache_bust=2&ts=3", "HEAD /x"},
	}
	for _, tt := range tests {
		if got := Key(tt.method, tt.url, vol); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.method, tt.url, got, tt.want)
		}
	}
}

func TestKeyWithoutVolatile(t *testing.T) {
	if got := Key("GET", "/x?_=1", nil); got != "GET /x?_=1" {
		t.Fatalf("got %q", got)
	}
}
