// Package notify turns inbound push messages into notifications and
// handles what happens when the user clicks or dismisses one.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/varz"
	"github.com/ts4z/storyline/webpush"
)

var ErrNoSuchNotification = errors.New("no such notification")

var (
	notificationsShown   = varz.NewInt("notificationsShown")
	notificationsClicked = varz.NewInt("notificationsClicked")
	notificationsClosed  = varz.NewInt("notificationsClosed")
	undecryptable        = varz.NewInt("undecryptable")
	unparseable          = varz.NewInt("unparseable")
)

const encodingAES128GCM = "aes128gcm"

// KeySource has the keys of the current subscription.
type KeySource interface {
	Keys(ctx context.Context) (*webpush.Keys, error)
}

// Windows is where clicks go.
type Windows interface {
	Focus(target string) bool
	Open(target string) error
}

type Nower interface {
	Now() time.Time
}

// Dispatcher keeps the notifications currently on display, oldest first.
type Dispatcher struct {
	keys    KeySource
	windows Windows
	clock   Nower

	mu    sync.Mutex
	shown []*model.Notification
}

func New(keys KeySource, windows Windows, clock Nower) *Dispatcher {
	return &Dispatcher{
		keys:    dep.Required(keys),
		windows: dep.Required(windows),
		clock:   dep.Required(clock),
	}
}

// Decode turns a push message body into a payload.  An encrypted body is
// decrypted first.  A body that isn't JSON becomes a plain text payload
// with the fallback title.  body is nil when the message had no data.
func (d *Dispatcher) Decode(ctx context.Context, body []byte, encoding string) (*model.PushPayload, error) {
	if strings.EqualFold(strings.TrimSpace(encoding), encodingAES128GCM) {
		keys, err := d.keys.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't decrypt push message: %w", err)
		}
		plain, err := webpush.Decrypt(keys, body)
		if err != nil {
			undecryptable.Add(1)
			return nil, fmt.Errorf("can't decrypt push message: %w", err)
		}
		body = plain
	}
	return ParsePayload(body), nil
}

// ParsePayload parses a decrypted message body.
func ParsePayload(body []byte) *model.PushPayload {
	var p model.PushPayload
	err := json.Unmarshal(body, &p)
	if err == nil {
		if p.Options != nil {
			p.Body = firstNonEmpty(p.Body, p.Options.Body)
			p.Icon = firstNonEmpty(p.Icon, p.Options.Icon)
			p.URL = firstNonEmpty(p.URL, p.Options.URL)
		}
		return &p
	}
	if json.Valid(body) {
		// Valid JSON that isn't an object carries no fields.
		return &model.PushPayload{}
	}

	unparseable.Add(1)
	text := model.FallbackNotificationBody
	if body != nil {
		text = string(body)
	}
	return &model.PushPayload{
		Title: model.FallbackNotificationTitle,
		Body:  text,
		Icon:  model.DefaultNotificationIcon,
	}
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

// Build fills in the display defaults.
func (d *Dispatcher) Build(p *model.PushPayload) *model.Notification {
	return &model.Notification{
		Tag:     uuid.NewString(),
		Title:   firstNonEmpty(p.Title, model.DefaultNotificationTitle),
		Body:    firstNonEmpty(p.Body, model.DefaultNotificationBody),
		Icon:    firstNonEmpty(p.Icon, model.DefaultNotificationIcon),
		Badge:   model.DefaultNotificationBadge,
		Vibrate: append([]int(nil), model.DefaultVibrate...),
		Data: model.NotificationData{
			URL:           firstNonEmpty(p.URL, model.DefaultNotificationURL),
			DateOfArrival: d.clock.Now(),
			PrimaryKey:    1,
		},
	}
}

// Show puts n on display.
func (d *Dispatcher) Show(n *model.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, n)
	notificationsShown.Add(1)
	log.Printf("notification %s: %s", n.Tag, n.Title)
}

// HandlePush decodes a push message and shows it.
func (d *Dispatcher) HandlePush(ctx context.Context, body []byte, encoding string) (*model.Notification, error) {
	p, err := d.Decode(ctx, body, encoding)
	if err != nil {
		return nil, err
	}
	n := d.Build(p)
	d.Show(n)
	return n, nil
}

// List returns copies of the notifications on display.
func (d *Dispatcher) List() []model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns := make([]model.Notification, 0, len(d.shown))
	for _, n := range d.shown {
		ns = append(ns, *n)
	}
	return ns
}

func (d *Dispatcher) remove(tag string) *model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range d.shown {
		if n.Tag == tag {
			d.shown = append(d.shown[:i], d.shown[i+1:]...)
			return n
		}
	}
	return nil
}

// Click closes the notification, then focuses a window already showing
// its target or opens a new one.
func (d *Dispatcher) Click(ctx context.Context, tag string) error {
	n := d.remove(tag)
	if n == nil {
		return ErrNoSuchNotification
	}
	notificationsClicked.Add(1)

	target := n.TargetURL()
	if d.windows.Focus(target) {
		return nil
	}
	if err := d.windows.Open(target); err != nil {
		return fmt.Errorf("can't open %s: %w", target, err)
	}
	return nil
}

// Close is the user dismissing a notification.  Nothing happens but a log
// line.
func (d *Dispatcher) Close(tag string) error {
	n := d.remove(tag)
	if n == nil {
		return ErrNoSuchNotification
	}
	notificationsClosed.Add(1)
	log.Printf("notification %s closed", tag)
	return nil
}
