// Package push manages this installation's push subscription: it asks
// for permission, subscribes with the local platform, and keeps the story
// server informed.
//
// Local state is authoritative.  Telling the server is best effort; a
// failure there is logged and otherwise ignored.
package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/varz"
)

var (
	ErrUnsupported      = errors.New("push notifications are not supported")
	ErrPermissionDenied = errors.New("notification permission denied")
)

var (
	subscribes         = varz.NewInt("subscribes")
	unsubscribes       = varz.NewInt("unsubscribes")
	remoteSyncFailures = varz.NewInt("remoteSyncFailures")
)

// Platform is the local push capability.  *pushsvc.Platform satisfies it.
type Platform interface {
	Supported() bool
	RequestPermission(ctx context.Context) (model.Permission, error)
	GetSubscription(ctx context.Context) (*model.Subscription, error)
	Subscribe(ctx context.Context, applicationServerKey string) (*model.Subscription, error)
	Unsubscribe(ctx context.Context) (bool, error)
}

// Remote is the story server's subscription registry.
// *storyapi.Client satisfies it.
type Remote interface {
	SubscribePush(ctx context.Context, sub *model.Subscription) error
	UnsubscribePush(ctx context.Context, endpoint string) error
}

type Manager struct {
	mu       sync.Mutex
	platform Platform
	remote   Remote
	vapidKey string
}

// NewManager returns a manager that subscribes with vapidKey, the
// server's public key in base64url.  remote may be nil, in which case the
// server is never told.
func NewManager(platform Platform, remote Remote, vapidKey string) *Manager {
	return &Manager{
		platform: dep.Required(platform),
		remote:   remote,
		vapidKey: vapidKey,
	}
}

// CheckStatus reports where things stand without changing anything.
func (m *Manager) CheckStatus(ctx context.Context) model.SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status(ctx)
}

func (m *Manager) status(ctx context.Context) model.SubscriptionState {
	if !m.platform.Supported() {
		return model.SubscriptionState{Status: model.StatusUnsupported}
	}
	sub, err := m.platform.GetSubscription(ctx)
	if err != nil {
		log.Printf("can't read push subscription: %v", err)
		return model.SubscriptionState{Status: model.StatusSupportedUnsubscribed}
	}
	if sub == nil {
		return model.SubscriptionState{Status: model.StatusSupportedUnsubscribed}
	}
	return model.SubscriptionState{Status: model.StatusSubscribed, Subscription: sub}
}

// Subscribe makes sure this installation is subscribed.  An existing
// subscription is returned as is and not registered again.
func (m *Manager) Subscribe(ctx context.Context) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.status(ctx)
	switch st.Status {
	case model.StatusUnsupported:
		return nil, ErrUnsupported
	case model.StatusSubscribed:
		return st.Subscription, nil
	}

	perm, err := m.platform.RequestPermission(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get notification permission: %w", err)
	}
	if perm != model.PermissionGranted {
		return nil, ErrPermissionDenied
	}

	sub, err := m.platform.Subscribe(ctx, m.vapidKey)
	if err != nil {
		return nil, fmt.Errorf("can't subscribe: %w", err)
	}
	subscribes.Add(1)

	if m.remote != nil {
		if err := m.remote.SubscribePush(ctx, sub); err != nil {
			remoteSyncFailures.Add(1)
			log.Printf("can't register push subscription with server: %v", err)
		}
	}
	return sub, nil
}

// Unsubscribe tears down the local subscription, then tells the server.
// It reports false if there was nothing to tear down or the local teardown
// failed.
func (m *Manager) Unsubscribe(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.platform.Supported() {
		return false
	}
	sub, err := m.platform.GetSubscription(ctx)
	if err != nil {
		log.Printf("can't read push subscription: %v", err)
		return false
	}
	if sub == nil {
		return false
	}

	ok, err := m.platform.Unsubscribe(ctx)
	if err != nil {
		log.Printf("can't unsubscribe: %v", err)
		return false
	}
	if !ok {
		return false
	}
	unsubscribes.Add(1)

	if m.remote != nil {
		if err := m.remote.UnsubscribePush(ctx, sub.Endpoint); err != nil {
			remoteSyncFailures.Add(1)
			log.Printf("can't remove push subscription from server: %v", err)
		}
	}
	return true
}
