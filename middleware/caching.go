package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CacheHeaderAdder wraps an http.Handler and adds cache-control headers.
type CacheHeaderAdder struct {
	maybe        func(r *http.Request) bool
	next         http.Handler
	maxAge       time.Duration
	immutable    bool
	cachePrivate bool
	noStore      bool
}

// CacheHeaderAdderConfig configures the caching behavior.
type CacheHeaderAdderConfig struct {
	// Add cache headers, but only if this returns true.
	Maybe func(r *http.Request) bool

	// Next is the handler to wrap.
	Next http.Handler

	// MaxAge is how long the content should be cached.
	MaxAge time.Duration

	// Immutable indicates that the content will never change.
	Immutable bool

	// CachePrivate keeps the content out of shared caches.
	CachePrivate bool

	// NoStore forbids caching entirely and overrides the other settings.
	// The /_agent API answers from live state and must never be cached.
	NoStore bool
}

// NewCacheHeaderAdder creates a new caching middleware.
func NewCacheHeaderAdder(config *CacheHeaderAdderConfig) *CacheHeaderAdder {
	return &CacheHeaderAdder{
		maybe:        config.Maybe,
		next:         config.Next,
		maxAge:       config.MaxAge,
		immutable:    config.Immutable,
		cachePrivate: config.CachePrivate,
		noStore:      config.NoStore,
	}
}

// CacheControl is the header value this adder sets.
func (ch *CacheHeaderAdder) CacheControl() string {
	if ch.noStore {
		return "no-store"
	}
	parts := []string{"public"}
	if ch.cachePrivate {
		parts[0] = "private"
	}
	if s := int(ch.maxAge.Seconds()); s > 0 {
		parts = append(parts, fmt.Sprintf("max-age=%d", s))
	}
	if ch.immutable {
		parts = append(parts, "immutable")
	}
	return strings.Join(parts, ", ")
}

func (ch *CacheHeaderAdder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ch.maybe != nil && !ch.maybe(r) {
		ch.next.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Cache-Control", ch.CacheControl())
	ch.next.ServeHTTP(w, r)
}
