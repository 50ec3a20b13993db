// Package cachectl is the cache controller: it seeds the app shell into a
// cache generation, garbage-collects older generations on activation, and
// then answers intercepted requests cache-first.
//
// A Controller is an http.RoundTripper.  Put it in front of the real
// transport and it decides per request whether the network is consulted.
package cachectl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/state"
	"github.com/ts4z/storyline/varz"
)

var (
	cacheHits           = varz.NewInt("cacheHits")
	cacheMisses         = varz.NewInt("cacheMisses")
	networkFetches      = varz.NewInt("networkFetches")
	snapshotsStored     = varz.NewInt("snapshotsStored")
	navigationFallbacks = varz.NewInt("navigationFallbacks")
	installFailures     = varz.NewInt("installFailures")
	generationsDeleted  = varz.NewInt("generationsDeleted")
)

// ErrInstallFailed wraps whatever stopped the shell from being seeded.
var ErrInstallFailed = errors.New("install failed")

type Nower interface {
	Now() time.Time
}

type Config struct {
	// Generation is the current cache name; a deploy changes it.
	Generation string
	// Origin is the application being fronted.  Only same-origin
	// responses are cached.
	Origin *url.URL
	// Manifest lists the app shell paths seeded at install.
	Manifest []string
	Allowlist Allowlist
	// NavigationFallback is the shell entry point served to offline
	// navigations.
	NavigationFallback string
	SkipWaiting        bool
}

type Controller struct {
	cfg     Config
	store   state.CacheStorage
	network http.RoundTripper
	clock   Nower

	mu    sync.Mutex
	phase Phase
}

var _ http.RoundTripper = &Controller{}

// New returns a controller in PhaseNew.  network is the real transport.
func New(cfg Config, store state.CacheStorage, network http.RoundTripper, clock Nower) (*Controller, error) {
	if strings.TrimSpace(cfg.Generation) == "" {
		return nil, errors.New("cache generation name is required")
	}
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, errors.New("origin URL is required")
	}
	if cfg.NavigationFallback == "" {
		cfg.NavigationFallback = "/index.html"
	}
	return &Controller{
		cfg:     cfg,
		store:   dep.Required(store),
		network: dep.Or(network, http.DefaultTransport),
		clock:   dep.Required(clock),
		phase:   PhaseNew,
	}, nil
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Generation() string {
	return c.cfg.Generation
}

// fire applies ev and returns the effects to perform.
func (c *Controller) fire(ev Event) ([]Effect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	to, effects, err := Transition(c.phase, ev)
	if err != nil {
		return nil, err
	}
	if to != c.phase {
		log.Printf("cache controller %s: %s -> %s on %s", c.cfg.Generation, c.phase, to, ev)
	}
	c.phase = to
	return effects, nil
}

// Start resumes an already installed generation, or installs (and, with
// SkipWaiting, activates) a new one.
func (c *Controller) Start(ctx context.Context) error {
	installed, err := c.Installed(ctx)
	if err != nil {
		return err
	}
	if installed {
		return c.Resume(ctx)
	}
	if err := c.Install(ctx); err != nil {
		return err
	}
	if c.WantsActivation() {
		return c.Activate(ctx)
	}
	return nil
}

// Installed reports whether the current generation is already on disk.
func (c *Controller) Installed(ctx context.Context) (bool, error) {
	names, err := c.store.Generations(ctx)
	if err != nil {
		return false, fmt.Errorf("list generations: %w", err)
	}
	return slices.Contains(names, c.cfg.Generation), nil
}

// Resume takes over with a generation installed by an earlier run.  No
// network is needed.
func (c *Controller) Resume(ctx context.Context) error {
	effects, err := c.fire(EventResume)
	if err != nil {
		return err
	}
	return c.perform(ctx, effects)
}

// Install seeds the shell.  Nothing is written unless every manifest entry
// was fetched with a 200.
func (c *Controller) Install(ctx context.Context) error {
	effects, err := c.fire(EventInstall)
	if err != nil {
		return err
	}
	if err := c.perform(ctx, effects); err != nil {
		installFailures.Add(1)
		if _, ferr := c.fire(EventInstallFailed); ferr != nil {
			log.Printf("can't record install failure: %v", ferr)
		}
		return err
	}
	effects, err = c.fire(EventInstallSucceeded)
	if err != nil {
		return err
	}
	return c.perform(ctx, effects)
}

// WantsActivation is true after a successful install when the controller
// should not wait for old clients to go away.
func (c *Controller) WantsActivation() bool {
	return c.cfg.SkipWaiting && c.Phase() == PhaseInstalled
}

// Activate deletes every generation but the current one, then takes over
// interception.
func (c *Controller) Activate(ctx context.Context) error {
	effects, err := c.fire(EventActivate)
	if err != nil {
		return err
	}
	if err := c.perform(ctx, effects); err != nil {
		if _, ferr := c.fire(EventActivateFailed); ferr != nil {
			log.Printf("can't record activate failure: %v", ferr)
		}
		return err
	}
	effects, err = c.fire(EventStaleDeleted)
	if err != nil {
		return err
	}
	return c.perform(ctx, effects)
}

func (c *Controller) perform(ctx context.Context, effects []Effect) error {
	for _, e := range effects {
		switch e {
		case EffectSeedShell:
			if err := c.seedShell(ctx); err != nil {
				return err
			}
		case EffectSkipWaiting:
			if c.cfg.SkipWaiting {
				log.Printf("cache controller %s: skipping wait", c.cfg.Generation)
			}
		case EffectDeleteStaleGenerations:
			if err := c.deleteStale(ctx); err != nil {
				return err
			}
		case EffectClaimClients:
			log.Printf("cache controller %s: claimed clients", c.cfg.Generation)
		default:
			return fmt.Errorf("can't perform %s here", e)
		}
	}
	return nil
}

func (c *Controller) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		return c.cfg.Origin
	}
	return c.cfg.Origin.ResolveReference(ref)
}

func (c *Controller) seedShell(ctx context.Context) error {
	snapshots := make([]*model.ResponseSnapshot, len(c.cfg.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range c.cfg.Manifest {
		u := c.resolve(path)
		g.Go(func() error {
			snap, err := c.fetchSnapshot(gctx, u)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInstallFailed, u, err)
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byKey := make(map[string]*model.ResponseSnapshot, len(snapshots))
	for _, s := range snapshots {
		u, _ := url.Parse(s.URL)
		byKey[cacheKey(u)] = s
	}
	if err := c.store.PutAll(ctx, c.cfg.Generation, byKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	snapshotsStored.Add(int64(len(byKey)))
	return nil
}

func (c *Controller) fetchSnapshot(ctx context.Context, u *url.URL) (*model.ResponseSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	networkFetches.Add(1)
	resp, err := c.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return c.snapshot(u, resp, body), nil
}

func (c *Controller) snapshot(u *url.URL, resp *http.Response, body []byte) *model.ResponseSnapshot {
	header := resp.Header.Clone()
	header.Del("Content-Length")
	return &model.ResponseSnapshot{
		URL:        u.String(),
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   c.clock.Now(),
	}
}

func (c *Controller) deleteStale(ctx context.Context) error {
	names, err := c.store.Generations(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if name == c.cfg.Generation {
			continue
		}
		log.Printf("deleting stale cache generation %s", name)
		if err := c.store.DeleteGeneration(ctx, name); err != nil {
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
		generationsDeleted.Add(1)
	}
	return nil
}

// Generations lists what is on disk.
func (c *Controller) Generations(ctx context.Context) ([]string, error) {
	return c.store.Generations(ctx)
}

// RoundTrip intercepts one request.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	_, effects, err := Transition(c.Phase(), EventFetch)
	if err != nil {
		return nil, err
	}
	if effects[0] != EffectRespondCacheFirst || req.Method != http.MethodGet {
		return c.network.RoundTrip(req)
	}

	ctx := req.Context()
	key := cacheKey(req.URL)
	snap, err := c.store.Match(ctx, c.cfg.Generation, key)
	if err == nil {
		cacheHits.Add(1)
		return snap.Response(req), nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		log.Printf("can't read cache for %s: %v", key, err)
	}
	cacheMisses.Add(1)

	networkFetches.Add(1)
	resp, err := c.network.RoundTrip(req)
	if err != nil {
		if IsNavigation(req) {
			if shell := c.shell(ctx); shell != nil {
				navigationFallbacks.Add(1)
				log.Printf("offline navigation to %s: serving %s", req.URL.Path, c.cfg.NavigationFallback)
				return shell.Response(req), nil
			}
		}
		return nil, err
	}

	if resp.StatusCode != http.StatusOK || !c.sameOrigin(req.URL) {
		return resp, nil
	}
	if !c.cfg.Allowlist.Match(req.URL.Path) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	if err := c.store.Put(ctx, c.cfg.Generation, key, c.snapshot(req.URL, resp, body)); err != nil {
		log.Printf("can't cache %s: %v", key, err)
	} else {
		snapshotsStored.Add(1)
	}
	return resp, nil
}

func (c *Controller) shell(ctx context.Context) *model.ResponseSnapshot {
	snap, err := c.store.Match(ctx, c.cfg.Generation, cacheKey(c.resolve(c.cfg.NavigationFallback)))
	if err != nil {
		log.Printf("can't find shell %s: %v", c.cfg.NavigationFallback, err)
		return nil
	}
	return snap
}

func (c *Controller) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.cfg.Origin.Scheme) && strings.EqualFold(u.Host, c.cfg.Origin.Host)
}

// IsNavigation reports whether req is a top-level page load.  When the
// client sends Sec-Fetch-Mode it decides; otherwise a GET accepting
// text/html counts.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

func cacheKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	k.User = nil
	return k.String()
}
