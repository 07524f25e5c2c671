// Package push turns inbound push messages into notifications and routes
// notification clicks back to an application window.
//
// Nothing in this package fails visibly: malformed payloads fall back to
// defaults and display or navigation errors are logged.
package push

import (
	"encoding/json"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	DefaultTitle = "Nutrivize"
	DefaultBody  = "You have a new update"
	DefaultURL   = "/"

	maxTitle = 120
	maxBody  = 500
)

// Payload is a parsed push message. Every field is always usable.
type Payload struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	Urgent bool   `json:"urgent"`
}

var strict = bluemonday.StrictPolicy()

// Parse decodes raw defensively. A JSON object contributes the fields it
// carries with the right shape; any other non-empty text becomes the body.
func Parse(raw []byte) Payload {
	p := Payload{Title: DefaultTitle, Body: DefaultBody, URL: DefaultURL}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return p
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		if !json.Valid([]byte(trimmed)) {
			if body := clean(trimmed, maxBody); body != "" {
				p.Body = body
			}
		}
		return p
	}

	if s, ok := obj["title"].(string); ok {
		if s = clean(s, maxTitle); s != "" {
			p.Title = s
		}
	}
	if s, ok := obj["body"].(string); ok {
		if s = clean(s, maxBody); s != "" {
			p.Body = s
		}
	}
	switch v := obj["id"].(type) {
	case string:
		p.ID = strings.TrimSpace(v)
	case float64:
		p.ID = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if s, ok := obj["url"].(string); ok {
		p.URL = SafeURL(s)
	}
	p.Urgent = truthy(obj["urgent"])
	return p
}

// SafeURL accepts only same-origin absolute paths; anything else becomes
// DefaultURL.
func SafeURL(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "/") || strings.HasPrefix(s, "//") || strings.ContainsAny(s, "\\\r\n") {
		return DefaultURL
	}
	return s
}

// clean strips markup and truncates to max runes.
func clean(s string, max int) string {
	s = html.UnescapeString(strict.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > max {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:max-1])) + "…"
	}
	return s
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	return false
}
