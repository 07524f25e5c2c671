package snapshot

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// DefaultVolatileParams are query parameters that never change the response
// and would otherwise fragment the cache (cache busters, analytics tags).
var DefaultVolatileParams = []string{"_", "t", "ts", "cb", "cache_bust", "utm_*"}

// Volatile matches query parameter names excluded from the canonical key.
// A trailing '*' matches by prefix.
type Volatile []string

func (v Volatile) match(name string) bool {
	for _, p := range v {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == name {
			return true
		}
	}
	return false
}

// Key returns the canonical identity of a request: the upper-cased method, a
// space, then the cleaned path followed by the remaining query parameters in
// sorted order. Scheme, host and fragment are not part of the identity.
func Key(method, rawURL string, volatile Volatile) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToUpper(method) + " " + rawURL
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	trailing := strings.HasSuffix(p, "/") && p != "/"
	p = path.Clean(p)
	if trailing {
		p += "/"
	}

	q := u.Query()
	names := make([]string, 0, len(q))
	for name := range q {
		if volatile.match(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(p)
	sep := byte('?')
	for _, name := range names {
		vals := append([]string(nil), q[name]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteByte(sep)
			sep = '&'
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
