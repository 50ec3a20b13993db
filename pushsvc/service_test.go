package pushsvc

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

func TestServicePush(t *testing.T) {
	ctx := context.Background()
	p, got, srv := newPlatformWithService(t, nil)
	sub, err := p.Subscribe(ctx, newVAPIDKey(t))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tests := []struct {
		name string
		url  string
		body string
		want int
	}{
		{"plain text", sub.Endpoint, "hello", http.StatusCreated},
		{"unknown resource", srv.URL + "/r/nope", "hello", http.StatusGone},
		{"too large", sub.Endpoint, strings.Repeat("x", maxMessageSize+1), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := srv.Client().Post(tt.url, "text/plain", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if len(*got) != 1 || string((*got)[0].body) != "hello" || (*got)[0].encoding != "" {
		t.Errorf("got deliveries %+v, want one plain hello", *got)
	}
}
