package model

import (
	"fmt"
	"time"
)

// SubscriptionStatus is where the push subscription lifecycle stands.
type SubscriptionStatus int

const (
	// StatusUnsupported means the platform can't do push at all.
	StatusUnsupported SubscriptionStatus = iota
	StatusSupportedUnsubscribed
	StatusSubscribed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusUnsupported:
		return "unsupported"
	case StatusSupportedUnsubscribed:
		return "supported-unsubscribed"
	case StatusSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("SubscriptionStatus(%d)", int(s))
	}
}

func (s SubscriptionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SubscriptionStatus) UnmarshalText(b []byte) error {
	for _, c := range []SubscriptionStatus{StatusUnsupported, StatusSupportedUnsubscribed, StatusSubscribed} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown subscription status %q", b)
}

// SubscriptionKeys are base64url encoded without padding.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the public half of a push subscription, suitable for
// handing to the remote server.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// SubscriptionState is the locally authoritative view of push.
type SubscriptionState struct {
	Status       SubscriptionStatus `json:"status"`
	Subscription *Subscription      `json:"subscription,omitempty"`
}

// PushRecord is a subscription as persisted, including the private key
// needed to decrypt inbound messages.  Keys are base64url without padding.
type PushRecord struct {
	Endpoint             string
	P256dh               string
	Auth                 string
	PrivateKey           string
	ApplicationServerKey string
	CreatedAt            time.Time
}

func (r *PushRecord) Public() *Subscription {
	return &Subscription{
		Endpoint: r.Endpoint,
		Keys: SubscriptionKeys{
			P256dh: r.P256dh,
			Auth:   r.Auth,
		},
	}
}

// Permission mirrors the three browser notification permission values.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)
