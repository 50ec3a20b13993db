package dep

import (
	"net/http"
	"strings"
	"testing"
)

func TestRequiredPanicsOnNilPointer(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		if !strings.Contains(r.(string), "missing required dependency") {
			t.Errorf("unexpected panic %v", r)
		}
	}()
	var c *http.Client
	Required(c)
}

func TestRequiredPassesThrough(t *testing.T) {
	c := &http.Client{}
	if got := Required(c); got != c {
		t.Errorf("Required returned %p, want %p", got, c)
	}
}

func TestOr(t *testing.T) {
	var rt http.RoundTripper
	if got := Or(rt, http.DefaultTransport); got != http.DefaultTransport {
		t.Errorf("Or(nil) = %v, want default transport", got)
	}
}
