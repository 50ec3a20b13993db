/*
Package windows tracks the open application windows (browser tabs pointed
at storylined) and passes commands to them.

Windows register, then long-poll Listen for commands.  A window that has
not polled for a while is considered closed.
*/
package windows

import (
	"context"
	"errors"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"

	"github.com/ts4z/storyline/dbnotify"
	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/varz"
)

var ErrNoSuchWindow = errors.New("no such window")

var (
	windowsOpened = varz.NewInt("windowsOpened")
	focusCommands = varz.NewInt("focusCommands")
	staleWindows  = varz.NewInt("staleWindows")
)

const staleAfter = time.Minute

// Command kinds sent to windows.
const (
	CommandFocus        = "focus"
	CommandSavedChanged = "saved-changed"
	CommandSavedDeleted = "saved-deleted"
)

type Command struct {
	Kind    string             `json:"kind"`
	URL     string             `json:"url,omitempty"`
	StoryID string             `json:"storyId,omitempty"`
	Story   *model.StoryRecord `json:"story,omitempty"`
}

type Nower interface {
	Now() time.Time
}

type entry struct {
	window    model.Window
	queue     []Command
	wake      chan struct{}
	listening int
	lastSeen  time.Time
}

// Registry is the set of open windows.
type Registry struct {
	mu      sync.Mutex
	windows map[string]*entry
	base    *url.URL
	clock   Nower
	opener  func(string) error
}

// New returns a registry for windows served from base.  Relative URLs given
// to Open are resolved against it.
func New(base *url.URL, clock Nower) *Registry {
	return &Registry{
		windows: make(map[string]*entry),
		base:    dep.Required(base),
		clock:   dep.Required(clock),
		opener:  browser.OpenURL,
	}
}

// SetOpener replaces the function used to open new windows.
func (r *Registry) SetOpener(fn func(string) error) {
	r.opener = fn
}

var _ dbnotify.ClientNotifier[*model.StoryRecord] = (*Registry)(nil)

// Register records a window currently showing u.
func (r *Registry) Register(u string) model.Window {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := model.Window{ID: uuid.NewString(), URL: u}
	r.windows[w.ID] = &entry{
		window:   w,
		wake:     make(chan struct{}),
		lastSeen: r.clock.Now(),
	}
	return w
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.windows[id]
	if !ok {
		return false
	}
	delete(r.windows, id)
	close(e.wake)
	return true
}

// Navigated records that window id now shows u.
func (r *Registry) Navigated(id, u string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.windows[id]
	if !ok {
		return ErrNoSuchWindow
	}
	e.window.URL = u
	e.lastSeen = r.clock.Now()
	return nil
}

// pruneLocked drops windows that stopped polling.
func (r *Registry) pruneLocked() {
	now := r.clock.Now()
	for id, e := range r.windows {
		if e.listening == 0 && now.Sub(e.lastSeen) > staleAfter {
			log.Printf("window %s stopped polling, forgetting it", id)
			delete(r.windows, id)
			close(e.wake)
			staleWindows.Add(1)
		}
	}
}

// List returns the live windows ordered by id.
func (r *Registry) List() []model.Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	ws := make([]model.Window, 0, len(r.windows))
	for _, e := range r.windows {
		ws = append(ws, e.window)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
	return ws
}

func (r *Registry) sendLocked(e *entry, c Command) {
	e.queue = append(e.queue, c)
	close(e.wake)
	e.wake = make(chan struct{})
}

// Listen waits for commands for window id.  It returns as soon as any are
// queued, or with an empty slice when ctx is done.
func (r *Registry) Listen(ctx context.Context, id string) ([]Command, error) {
	for {
		r.mu.Lock()
		e, ok := r.windows[id]
		if !ok {
			r.mu.Unlock()
			return nil, ErrNoSuchWindow
		}
		e.lastSeen = r.clock.Now()
		if len(e.queue) > 0 {
			cmds := e.queue
			e.queue = nil
			r.mu.Unlock()
			return cmds, nil
		}
		wake := e.wake
		e.listening++
		r.mu.Unlock()

		var done bool
		select {
		case <-wake:
		case <-ctx.Done():
			done = true
		}

		r.mu.Lock()
		e.listening--
		e.lastSeen = r.clock.Now()
		r.mu.Unlock()

		if done {
			return []Command{}, nil
		}
	}
}

// sameTarget reports whether a window at have is showing want.  A relative
// want only compares path and query.
func sameTarget(have, want string) bool {
	h, err := url.Parse(have)
	if err != nil {
		return false
	}
	w, err := url.Parse(want)
	if err != nil {
		return false
	}
	if w.Path == "" {
		w.Path = "/"
	}
	if h.Path == "" {
		h.Path = "/"
	}
	if w.IsAbs() && !strings.EqualFold(w.Scheme+"://"+w.Host, h.Scheme+"://"+h.Host) {
		return false
	}
	return h.Path == w.Path && h.RawQuery == w.RawQuery
}

// Focus brings forward a window already showing target.  It reports false
// if there is none.
func (r *Registry) Focus(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	var found *entry
	for _, e := range r.windows {
		if sameTarget(e.window.URL, target) && (found == nil || e.window.ID < found.window.ID) {
			found = e
		}
	}
	if found == nil {
		return false
	}
	for _, e := range r.windows {
		e.window.Focused = e == found
	}
	r.sendLocked(found, Command{Kind: CommandFocus, URL: found.window.URL})
	focusCommands.Add(1)
	return true
}

// Open opens a new window at target.
func (r *Registry) Open(target string) error {
	ref, err := url.Parse(target)
	if err != nil {
		return err
	}
	abs := r.base.ResolveReference(ref).String()
	if err := r.opener(abs); err != nil {
		return err
	}
	windowsOpened.Add(1)
	return nil
}

// FocusOrOpen focuses a window showing target, or opens one.
func (r *Registry) FocusOrOpen(target string) error {
	if r.Focus(target) {
		return nil
	}
	return r.Open(target)
}

func (r *Registry) broadcast(c Command) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.windows {
		r.sendLocked(e, c)
	}
	return len(r.windows)
}

// NotifyUpdated implements dbnotify.ClientNotifier.
func (r *Registry) NotifyUpdated(ctx context.Context, rec *model.StoryRecord) {
	n := r.broadcast(Command{Kind: CommandSavedChanged, StoryID: rec.ID, Story: rec.Clone()})
	log.Printf("notified %d windows of saved story %s change", n, rec.ID)
}

// NotifyDeleted implements dbnotify.ClientNotifier.
func (r *Registry) NotifyDeleted(ctx context.Context, id string) {
	n := r.broadcast(Command{Kind: CommandSavedDeleted, StoryID: id})
	log.Printf("notified %d windows of saved story %s deletion", n, id)
}
