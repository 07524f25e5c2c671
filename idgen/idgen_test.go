package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNanoID(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		id := gen()
		if len(id) != 12 {
			t.Fatalf("len = %d, want 12", len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("unexpected character %q in %q", c, id)
			}
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7(t *testing.T) {
	id := UUIDv7()()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if u.Version() != 7 {
		t.Fatalf("version = %d, want 7", u.Version())
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("ntf_", UUIDv7())()
	if !strings.HasPrefix(id, "ntf_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != 4+36 {
		t.Fatalf("len = %d, want 40", len(id))
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("t")
	for _, want := range []string{"t1", "t2", "t3"} {
		if got := gen(); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	if got := itoa(1234567); got != "1234567" {
		t.Fatalf("itoa = %q", got)
	}
}
