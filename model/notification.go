package model

import "time"

const (
	DefaultNotificationTitle  = "Dicoding Story"
	DefaultNotificationBody   = "Ada pembaruan baru untuk Anda"
	FallbackNotificationTitle = "Notifikasi Baru"
	FallbackNotificationBody  = "Tidak ada detail"
	DefaultNotificationIcon   = "/images/icon-192x192.png"
	DefaultNotificationBadge  = "/images/badge-72x72.png"
	DefaultNotificationURL    = "/"
)

// DefaultVibrate is the vibration pattern in milliseconds.
var DefaultVibrate = []int{100, 50, 100, 50, 100}

// PushPayload is the JSON shape a push message body may carry.  Every field
// is optional.  The story API nests body and icon under "options".
type PushPayload struct {
	Title   string       `json:"title"`
	Body    string       `json:"body"`
	Icon    string       `json:"icon"`
	URL     string       `json:"url"`
	Options *PushOptions `json:"options,omitempty"`
}

type PushOptions struct {
	Body string `json:"body"`
	Icon string `json:"icon"`
	URL  string `json:"url"`
}

type NotificationData struct {
	URL           string    `json:"url"`
	DateOfArrival time.Time `json:"dateOfArrival"`
	PrimaryKey    int       `json:"primaryKey"`
}

// Notification is a user-visible notification.
type Notification struct {
	Tag     string           `json:"tag"`
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon"`
	Badge   string           `json:"badge"`
	Vibrate []int            `json:"vibrate"`
	Data    NotificationData `json:"data"`
}

// TargetURL is where a click should take the user.
func (n *Notification) TargetURL() string {
	if n.Data.URL == "" {
		return DefaultNotificationURL
	}
	return n.Data.URL
}
