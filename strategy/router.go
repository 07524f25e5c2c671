// Package strategy decides how each intercepted read is served and serves it.
//
// Classification is an ordered rule table: the first rule whose matcher
// accepts the request wins, and anything unmatched is served
// stale-while-revalidate. The order of DefaultRules (network-first matchers,
// then cache-first matchers) is part of the agent's contract.
package strategy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Kind is a caching strategy.
type Kind int

const (
	StaleWhileRevalidate Kind = iota
	NetworkFirst
	CacheFirst
)

func (k Kind) String() string {
	switch k {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return fmt.Sprintf("strategy(%d)", int(k))
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network-first":
		return NetworkFirst, nil
	case "cache-first":
		return CacheFirst, nil
	case "stale-while-revalidate", "":
		return StaleWhileRevalidate, nil
	}
	return 0, fmt.Errorf("strategy: unknown strategy %q", s)
}

// Matcher inspects an intercepted request.
type Matcher func(r *http.Request) bool

// Prefix matches when the path starts with any of the prefixes.
func Prefix(prefixes ...string) Matcher {
	return func(r *http.Request) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				return true
			}
		}
		return false
	}
}

// Suffix matches when the path ends with any of the suffixes.
func Suffix(suffixes ...string) Matcher {
	return func(r *http.Request) bool {
		for _, s := range suffixes {
			if strings.HasSuffix(r.URL.Path, s) {
				return true
			}
		}
		return false
	}
}

// Exact matches listed paths.
func Exact(paths ...string) Matcher {
	return func(r *http.Request) bool {
		for _, p := range paths {
			if r.URL.Path == p {
				return true
			}
		}
		return false
	}
}

// exprEnv is what an Expr program sees.
type exprEnv struct {
	Method   string            `expr:"method"`
	Path     string            `expr:"path"`
	Query    map[string]string `expr:"query"`
	Host     string            `expr:"host"`
	Navigate bool              `expr:"navigate"`
	Accept   string            `expr:"accept"`
}

func envFor(r *http.Request) exprEnv {
	q := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			q[k] = v[0]
		}
	}
	return exprEnv{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    q,
		Host:     r.Host,
		Navigate: IsNavigation(r),
		Accept:   r.Header.Get("Accept"),
	}
}

// Expr compiles a boolean expr-lang program into a Matcher, e.g.
//
//	path startsWith "/api/reports/" && query.range == "week"
//
// A program that fails at run time does not match.
func Expr(src string) (Matcher, error) {
	program, err := expr.Compile(src, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("strategy: compile matcher %q: %w", src, err)
	}
	return exprMatcher(program), nil
}

func exprMatcher(program *vm.Program) Matcher {
	return func(r *http.Request) bool {
		out, err := expr.Run(program, envFor(r))
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
}

// Rule pairs a matcher with the strategy it selects.
type Rule struct {
	Name     string
	Match    Matcher
	Strategy Kind
}

// DefaultRules is the built-in table: API-like paths are network-first,
// versioned static assets cache-first.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "api", Match: Prefix("/api/"), Strategy: NetworkFirst},
		{Name: "auth", Match: Prefix("/auth/"), Strategy: NetworkFirst},
		{Name: "static-dirs", Match: Prefix("/static/", "/assets/", "/icons/"), Strategy: CacheFirst},
		{Name: "static-files", Match: Suffix(
			".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".webp", ".ico", ".woff", ".woff2",
		), Strategy: CacheFirst},
	}
}

// Router classifies intercepted reads. It is immutable after construction.
type Router struct {
	rules []Rule
}

// NewRouter builds a router over a copy of rules.
func NewRouter(rules []Rule) *Router {
	return &Router{rules: append([]Rule(nil), rules...)}
}

// Classify returns the strategy for r.
func (rt *Router) Classify(r *http.Request) Kind {
	k, _ := rt.Match(r)
	return k
}

// Match returns the strategy for r and the name of the rule that selected
// it ("default" when none matched).
func (rt *Router) Match(r *http.Request) (Kind, string) {
	for _, rule := range rt.rules {
		if rule.Match != nil && rule.Match(r) {
			return rule.Strategy, rule.Name
		}
	}
	return StaleWhileRevalidate, "default"
}

// Rules returns a copy of the table in evaluation order.
func (rt *Router) Rules() []Rule {
	return append([]Rule(nil), rt.rules...)
}

// Intercepts reports whether the agent handles r at all. Only GET is
// intercepted; every other method passes through to the backend.
func Intercepts(r *http.Request) bool {
	return r.Method == http.MethodGet
}

// IsNavigation reports whether r is a top-level page load.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Any matches every request.
func Any() Matcher {
	return func(*http.Request) bool { return true }
}
