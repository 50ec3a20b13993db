package urlpath

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIDPathValue(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		wantCode int
	}{
		{"ok", "story-FvU4u0Vp2S3PMsFg", http.StatusOK},
		{"blank", " ", http.StatusBadRequest},
		{"too long", strings.Repeat("x", maxIDLength+1), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/saved/x", nil)
			r.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()
			id, err := IDPathValue(w, r)
			if w.Code != tt.wantCode {
				t.Errorf("got %d, want %d", w.Code, tt.wantCode)
			}
			if (err == nil) != (tt.wantCode == http.StatusOK) {
				t.Errorf("got err %v", err)
			}
			if err == nil && id != tt.id {
				t.Errorf("got %q, want %q", id, tt.id)
			}
		})
	}
}
