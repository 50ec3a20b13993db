package he

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), 500},
		{"coded", HTTPCodedErrorf(404, "no such story %q", "s1"), 404},
		{"wrapped", fmt.Errorf("fetching: %w", New(409, errors.New("conflict"))), 409},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSendErrorToHTTPClient(t *testing.T) {
	rec := httptest.NewRecorder()
	SendErrorToHTTPClient(rec, "fetch story", HTTPCodedErrorf(http.StatusNotFound, "no story"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("got code %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "can't fetch story: no story") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}
