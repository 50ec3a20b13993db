// Package pushsvc is the local push platform: it holds the one push
// subscription this installation has, obtains endpoints from a push
// service, and remembers the user's notification permission.
//
// Push is supported only when a push service URL is configured.
package pushsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/state"
	"github.com/ts4z/storyline/webpush"
)

var ErrUnsupported = errors.New("push is not supported: no push service configured")

// Prompter asks the user whether notifications are allowed.
type Prompter interface {
	RequestPermission(ctx context.Context) (model.Permission, error)
}

type Nower interface {
	Now() time.Time
}

type Platform struct {
	serviceURL string
	http       *http.Client
	storage    state.PushStorage
	prompter   Prompter
	clock      Nower
}

// New returns a platform.  An empty serviceURL makes push unsupported.
// prompter may be nil; then only a saved decision counts.
func New(serviceURL string, httpClient *http.Client, storage state.PushStorage, prompter Prompter, clock Nower) *Platform {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Platform{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		http:       httpClient,
		storage:    dep.Required(storage),
		prompter:   prompter,
		clock:      dep.Required(clock),
	}
}

func (p *Platform) Supported() bool {
	return p.serviceURL != ""
}

// Permission is the saved decision, without asking.
func (p *Platform) Permission(ctx context.Context) (model.Permission, error) {
	return p.storage.FetchPermission(ctx)
}

func (p *Platform) SetPermission(ctx context.Context, perm model.Permission) error {
	switch perm {
	case model.PermissionGranted, model.PermissionDenied, model.PermissionDefault:
	default:
		return fmt.Errorf("unknown permission %q", perm)
	}
	return p.storage.SavePermission(ctx, perm)
}

// RequestPermission returns a saved decision, or asks the prompter and
// saves its answer.
func (p *Platform) RequestPermission(ctx context.Context) (model.Permission, error) {
	perm, err := p.storage.FetchPermission(ctx)
	if err != nil {
		return model.PermissionDefault, err
	}
	if perm != model.PermissionDefault || p.prompter == nil {
		return perm, nil
	}
	perm, err = p.prompter.RequestPermission(ctx)
	if err != nil {
		return model.PermissionDefault, err
	}
	if perm != model.PermissionDefault {
		if err := p.storage.SavePermission(ctx, perm); err != nil {
			log.Printf("can't save permission decision: %v", err)
		}
	}
	return perm, nil
}

// Record is the stored subscription, or nil if there is none.
func (p *Platform) Record(ctx context.Context) (*model.PushRecord, error) {
	r, err := p.storage.FetchPushRecord(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// GetSubscription is the public half of Record.
func (p *Platform) GetSubscription(ctx context.Context) (*model.Subscription, error) {
	r, err := p.Record(ctx)
	if err != nil || r == nil {
		return nil, err
	}
	return r.Public(), nil
}

// Keys returns what's needed to decrypt messages for the current
// subscription.
func (p *Platform) Keys(ctx context.Context) (*webpush.Keys, error) {
	r, err := p.Record(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.New("not subscribed")
	}
	return webpush.ParseKeys(r.PrivateKey, r.Auth)
}

type subscribeRequest struct {
	ApplicationServerKey string `json:"applicationServerKey"`
}

// Subscribe creates a new subscription restricted to applicationServerKey
// and stores it.
func (p *Platform) Subscribe(ctx context.Context, applicationServerKey string) (*model.Subscription, error) {
	if !p.Supported() {
		return nil, ErrUnsupported
	}
	if _, err := webpush.ParsePublicKey(applicationServerKey); err != nil {
		return nil, fmt.Errorf("bad application server key: %w", err)
	}
	keys, err := webpush.GenerateKeys()
	if err != nil {
		return nil, err
	}

	endpoint, err := p.newEndpoint(ctx, applicationServerKey)
	if err != nil {
		return nil, err
	}

	r := &model.PushRecord{
		Endpoint:             endpoint,
		P256dh:               keys.P256dh(),
		Auth:                 keys.AuthString(),
		PrivateKey:           keys.PrivateString(),
		ApplicationServerKey: applicationServerKey,
		CreatedAt:            p.clock.Now(),
	}
	if err := p.storage.SavePushRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("can't save subscription: %w", err)
	}
	return r.Public(), nil
}

// newEndpoint asks the push service for a push resource.  The service
// answers 201 with the resource in Location.
func (p *Platform) newEndpoint(ctx context.Context, applicationServerKey string) (string, error) {
	body, err := json.Marshal(subscribeRequest{ApplicationServerKey: applicationServerKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serviceURL+"/subscribe", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("push service: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("push service: status %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("push service: no Location in subscribe response")
	}
	base, err := url.Parse(p.serviceURL + "/")
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("push service: bad Location %q: %w", loc, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Unsubscribe removes the local subscription.  It reports false when there
// was none.  Telling the push service is best effort.
func (p *Platform) Unsubscribe(ctx context.Context) (bool, error) {
	r, err := p.Record(ctx)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}
	if err := p.storage.DeletePushRecord(ctx); err != nil {
		return false, fmt.Errorf("can't delete subscription: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.Endpoint, nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.http.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}
	if err != nil {
		log.Printf("can't release push resource %s: %v", r.Endpoint, err)
	}
	return true, nil
}
