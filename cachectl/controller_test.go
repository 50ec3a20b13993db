package cachectl

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ts4z/storyline/generations"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/ts"
)

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork serves bodies by path and counts every call.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]string
	status  map[string]int
	offline bool
	calls   int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		pages: map[string]string{
			"/":                         "<html>root</html>",
			"/index.html":               "<html>shell</html>",
			"/manifest.json":            `{"name":"story"}`,
			"/assets/app.js":            "console.log(1)",
			"/images/photo.png":         "png",
			"/styles/main.css":          "body{}",
			"/api/stories":              `{"listStory":[]}`,
			"/images/icon-192x192.png":  "icon",
			"/images/icon-512x512.png":  "icon",
			"/images/favicon-16x16.png": "icon",
		},
		status: map[string]int{},
	}
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.offline {
		return nil, errOffline
	}
	body, ok := n.pages[req.URL.Path]
	code := http.StatusOK
	if !ok {
		code = http.StatusNotFound
	}
	if c, ok := n.status[req.URL.Path]; ok {
		code = c
	}
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = v
}

const origin = "http://app.test"

func newTestController(t *testing.T, generation string, store *generations.Store, network http.RoundTripper) *Controller {
	t.Helper()
	o, _ := url.Parse(origin)
	c, err := New(Config{
		Generation:         generation,
		Origin:             o,
		Manifest:           []string{"/", "/index.html", "/manifest.json"},
		Allowlist:          Allowlist{"/assets/", "/styles/", "*.js", "*.html"},
		NavigationFallback: "/index.html",
		SkipWaiting:        true,
	}, store, network, ts.NewClock(clockwork.NewFakeClockAt(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func openStore(t *testing.T) *generations.Store {
	t.Helper()
	s, err := generations.Open(filepath.Join(t.TempDir(), "generations.db"))
	if err != nil {
		t.Fatalf("open generations: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func get(t *testing.T, c *Controller, path string, header http.Header) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, origin+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return c.RoundTrip(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestActivationLeavesOneGeneration(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	for _, old := range []string{"DicodingStory-V0", "scratch"} {
		if err := store.Put(ctx, old, origin+"/", &model.ResponseSnapshot{StatusCode: 200}); err != nil {
			t.Fatalf("seed %s: %v", old, err)
		}
	}

	c := newTestController(t, "DicodingStory-V1", store, newFakeNetwork())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Phase() != PhaseActivated {
		t.Errorf("got phase %s, want activated", c.Phase())
	}

	names, err := c.Generations(ctx)
	if err != nil {
		t.Fatalf("Generations: %v", err)
	}
	if len(names) != 1 || names[0] != "DicodingStory-V1" {
		t.Errorf("got %v, want [DicodingStory-V1]", names)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	c := newTestController(t, "v1", openStore(t), network)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := network.callCount()
	for i := 0; i < 3; i++ {
		resp, err := get(t, c, "/index.html", nil)
		if err != nil {
			t.Fatalf("RoundTrip: %v", err)
		}
		if got := readBody(t, resp); got != "<html>shell</html>" {
			t.Errorf("got %q, want shell", got)
		}
	}
	if n := network.callCount() - before; n != 0 {
		t.Errorf("got %d network calls for cached URL, want 0", n)
	}
}

func TestMissStoresAllowlistedOnly(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	c := newTestController(t, "v1", openStore(t), network)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCached bool
	}{
		{"script bundle", "/assets/app.js", http.StatusOK, true},
		{"stylesheet", "/styles/main.css", http.StatusOK, true},
		{"image not allowlisted", "/images/photo.png", http.StatusOK, false},
		{"api data", "/api/stories", http.StatusOK, false},
		{"not found", "/missing.html", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := get(t, c, tt.path, nil)
			if err != nil {
				t.Fatalf("RoundTrip: %v", err)
			}
			readBody(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("got status %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			before := network.callCount()
			resp, err = get(t, c, tt.path, nil)
			if err != nil {
				t.Fatalf("second RoundTrip: %v", err)
			}
			readBody(t, resp)
			cached := network.callCount() == before
			if cached != tt.wantCached {
				t.Errorf("got cached %v, want %v", cached, tt.wantCached)
			}
		})
	}
}

func TestCrossOriginNotCached(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	c := newTestController(t, "v1", openStore(t), network)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, "https://cdn.other.test/assets/app.js", nil)
		resp, err := c.RoundTrip(req)
		if err != nil {
			t.Fatalf("RoundTrip: %v", err)
		}
		readBody(t, resp)
	}
	names, _ := c.Generations(ctx)
	if len(names) != 1 {
		t.Fatalf("got %v", names)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://cdn.other.test/assets/app.js", nil)
	before := network.callCount()
	resp, _ := c.RoundTrip(req)
	readBody(t, resp)
	if network.callCount() == before {
		t.Errorf("cross-origin response was served from cache")
	}
}

func TestOfflineNavigationGetsShell(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	c := newTestController(t, "v1", openStore(t), network)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	network.setOffline(true)

	resp, err := get(t, c, "/stories/abc", http.Header{"Sec-Fetch-Mode": {"navigate"}})
	if err != nil {
		t.Fatalf("navigation failed offline: %v", err)
	}
	if got := readBody(t, resp); got != "<html>shell</html>" {
		t.Errorf("got %q, want shell", got)
	}

	resp, err = get(t, c, "/saved", http.Header{"Accept": {"text/html,application/xhtml+xml"}})
	if err != nil {
		t.Fatalf("html GET failed offline: %v", err)
	}
	readBody(t, resp)

	if _, err := get(t, c, "/assets/other.js", nil); !errors.Is(err, errOffline) {
		t.Errorf("got %v for offline subresource, want network error", err)
	}
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		header http.Header
		want   bool
	}{
		{"navigate mode", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"navigate"}}, true},
		{"fetch asking for html", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"cors"}, "Accept": {"text/html"}}, false},
		{"no fetch metadata, html", http.MethodGet, http.Header{"Accept": {"text/html,application/xhtml+xml"}}, true},
		{"no fetch metadata, post", http.MethodPost, http.Header{"Accept": {"text/html"}}, false},
		{"no fetch metadata, json", http.MethodGet, http.Header{"Accept": {"application/json"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, origin+"/stories", nil)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			req.Header = tt.header
			if got := IsNavigation(req); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOfflineHTMLFetchIsNotANavigation(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	c := newTestController(t, "v1", openStore(t), network)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	network.setOffline(true)

	_, err := get(t, c, "/partials/card", http.Header{"Sec-Fetch-Mode": {"cors"}, "Accept": {"text/html"}})
	if !errors.Is(err, errOffline) {
		t.Errorf("got %v for offline html fetch, want network error", err)
	}
}

func TestInstallIsAtomic(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.status["/manifest.json"] = http.StatusInternalServerError
	store := openStore(t)
	c := newTestController(t, "v2", store, network)

	err := c.Start(ctx)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("got %v, want ErrInstallFailed", err)
	}
	if c.Phase() != PhaseRedundant {
		t.Errorf("got phase %s, want redundant", c.Phase())
	}
	names, _ := store.Generations(ctx)
	if len(names) != 0 {
		t.Errorf("got generations %v after failed install, want none", names)
	}

	// A redundant controller just passes requests through.
	before := network.callCount()
	resp, err := get(t, c, "/index.html", nil)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	readBody(t, resp)
	if network.callCount() != before+1 {
		t.Errorf("redundant controller didn't use the network")
	}
}

func TestResumeUsesExistingGeneration(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	network := newFakeNetwork()

	first := newTestController(t, "v1", store, network)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	// Restart while offline.
	network.setOffline(true)
	second := newTestController(t, "v1", store, network)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.Phase() != PhaseActivated {
		t.Errorf("got phase %s, want activated", second.Phase())
	}
	resp, err := get(t, second, "/", nil)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if got := readBody(t, resp); got != "<html>root</html>" {
		t.Errorf("got %q, want root", got)
	}
}

func TestPassThroughBeforeActivation(t *testing.T) {
	network := newFakeNetwork()
	c := newTestController(t, "v1", openStore(t), network)

	resp, err := get(t, c, "/assets/app.js", nil)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	readBody(t, resp)
	resp, _ = get(t, c, "/assets/app.js", nil)
	readBody(t, resp)
	if network.callCount() != 2 {
		t.Errorf("got %d calls, want 2", network.callCount())
	}
}

func TestNonGetGoesToNetwork(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	c := newTestController(t, "v1", openStore(t), network)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := network.callCount()
	req, _ := http.NewRequest(http.MethodPost, origin+"/index.html", strings.NewReader("x"))
	resp, err := c.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	readBody(t, resp)
	if network.callCount() != before+1 {
		t.Errorf("POST was not sent to the network")
	}
}
