/*
Package agent is the background worker that sits between the application
and the network.  It receives lifecycle events (install, activate, fetch,
push, notification click and close) and handles them one at a time on a
single goroutine.

Every event returns a *lifecycle.Pending.  The synchronous part of a
handler runs on the agent goroutine; anything longer is attached to the
Pending with WaitUntil.  Stop refuses new events and waits for every
outstanding Pending.
*/
package agent

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/lifecycle"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/varz"
)

var ErrStopped = errors.New("agent is stopped")

var (
	eventsHandled = varz.NewMap("eventsHandled")
	eventsFailed  = varz.NewMap("eventsFailed")
)

const (
	EventInstall           = "install"
	EventActivate          = "activate"
	EventFetch             = "fetch"
	EventPush              = "push"
	EventNotificationClick = "notificationclick"
	EventNotificationClose = "notificationclose"
	eventStart             = "start"
)

// Controller is the cache side.  *cachectl.Controller satisfies it.
type Controller interface {
	Installed(ctx context.Context) (bool, error)
	Resume(ctx context.Context) error
	Install(ctx context.Context) error
	WantsActivation() bool
	Activate(ctx context.Context) error
	RoundTrip(req *http.Request) (*http.Response, error)
}

// Notifications is the notification side.  *notify.Dispatcher satisfies it.
type Notifications interface {
	HandlePush(ctx context.Context, body []byte, encoding string) (*model.Notification, error)
	Click(ctx context.Context, tag string) error
	Close(tag string) error
}

type event struct {
	name    string
	ctx     context.Context
	handler func(p *lifecycle.Pending)
	reply   chan *lifecycle.Pending
}

type Agent struct {
	ctl   Controller
	notes Notifications
	ctx   context.Context

	events chan event
	quit   chan struct{}
	exited chan struct{}

	mu          sync.Mutex
	stopping    bool
	outstanding map[*lifecycle.Pending]struct{}
	wg          sync.WaitGroup
}

// New starts an agent.  Background work runs under ctx.
func New(ctx context.Context, ctl Controller, notes Notifications) *Agent {
	a := &Agent{
		ctl:         dep.Required(ctl),
		notes:       dep.Required(notes),
		ctx:         ctx,
		events:      make(chan event),
		quit:        make(chan struct{}),
		exited:      make(chan struct{}),
		outstanding: make(map[*lifecycle.Pending]struct{}),
	}
	go a.loop()
	return a
}

func (a *Agent) loop() {
	defer close(a.exited)
	for {
		select {
		case ev := <-a.events:
			p := lifecycle.New(ev.ctx, ev.name)
			if !a.track(p) {
				ev.reply <- lifecycle.Resolved(ev.name, ErrStopped)
				continue
			}
			// The handler attaches its work before anyone waits on p.
			ev.handler(p)
			go a.settle(p)
			ev.reply <- p
		case <-a.quit:
			return
		}
	}
}

// track counts p as outstanding until settle sees it finish.  It reports
// false once Stop has begun.
func (a *Agent) track(p *lifecycle.Pending) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return false
	}
	a.outstanding[p] = struct{}{}
	a.wg.Add(1)
	return true
}

// settle waits for p's work and releases it.  p must already carry its
// work, since WaitUntil may not follow Wait.
func (a *Agent) settle(p *lifecycle.Pending) {
	defer a.wg.Done()
	if err := p.Wait(); err != nil {
		eventsFailed.Add(p.Name(), 1)
		log.Printf("agent: %s failed: %v", p.Name(), err)
	} else {
		eventsHandled.Add(p.Name(), 1)
	}
	a.mu.Lock()
	delete(a.outstanding, p)
	a.mu.Unlock()
}

// dispatch hands an event to the agent goroutine and returns its Pending.
func (a *Agent) dispatch(ctx context.Context, name string, handler func(p *lifecycle.Pending)) *lifecycle.Pending {
	a.mu.Lock()
	stopping := a.stopping
	a.mu.Unlock()
	if stopping {
		return lifecycle.Resolved(name, ErrStopped)
	}

	ev := event{name: name, ctx: ctx, handler: handler, reply: make(chan *lifecycle.Pending, 1)}
	select {
	case a.events <- ev:
		return <-ev.reply
	case <-a.quit:
		return lifecycle.Resolved(name, ErrStopped)
	}
}

// Outstanding is how many events have not finished.
func (a *Agent) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outstanding)
}

// Start resumes the installed generation, or installs one.
func (a *Agent) Start() *lifecycle.Pending {
	return a.dispatch(a.ctx, eventStart, func(p *lifecycle.Pending) {
		p.WaitUntil(func(ctx context.Context) error {
			installed, err := a.ctl.Installed(ctx)
			if err != nil {
				return err
			}
			if installed {
				return a.ctl.Resume(ctx)
			}
			return a.Install().Wait()
		})
	})
}

// Install seeds the shell.  When the controller is set to skip waiting, a
// successful install dispatches activate.
func (a *Agent) Install() *lifecycle.Pending {
	return a.dispatch(a.ctx, EventInstall, func(p *lifecycle.Pending) {
		p.WaitUntil(func(ctx context.Context) error {
			if err := a.ctl.Install(ctx); err != nil {
				return err
			}
			if a.ctl.WantsActivation() {
				return a.Activate().Wait()
			}
			return nil
		})
	})
}

func (a *Agent) Activate() *lifecycle.Pending {
	return a.dispatch(a.ctx, EventActivate, func(p *lifecycle.Pending) {
		p.WaitUntil(a.ctl.Activate)
	})
}

// Fetch intercepts req.  The response is ready once the Pending is.
func (a *Agent) Fetch(req *http.Request) (*lifecycle.Pending, func() (*http.Response, error)) {
	var (
		resp *http.Response
		err  error
	)
	p := a.dispatch(req.Context(), EventFetch, func(p *lifecycle.Pending) {
		p.WaitUntil(func(ctx context.Context) error {
			resp, err = a.ctl.RoundTrip(req)
			return nil
		})
	})
	return p, func() (*http.Response, error) {
		if werr := p.Wait(); werr != nil {
			return nil, werr
		}
		return resp, err
	}
}

// RoundTrip makes the agent usable as an http.Transport.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	_, result := a.Fetch(req)
	return result()
}

var _ http.RoundTripper = (*Agent)(nil)

// Push handles an inbound push message.
func (a *Agent) Push(body []byte, encoding string) *lifecycle.Pending {
	return a.dispatch(a.ctx, EventPush, func(p *lifecycle.Pending) {
		p.WaitUntil(func(ctx context.Context) error {
			_, err := a.notes.HandlePush(ctx, body, encoding)
			return err
		})
	})
}

func (a *Agent) NotificationClick(tag string) *lifecycle.Pending {
	return a.dispatch(a.ctx, EventNotificationClick, func(p *lifecycle.Pending) {
		p.WaitUntil(func(ctx context.Context) error {
			return a.notes.Click(ctx, tag)
		})
	})
}

func (a *Agent) NotificationClose(tag string) *lifecycle.Pending {
	return a.dispatch(a.ctx, EventNotificationClose, func(p *lifecycle.Pending) {
		err := a.notes.Close(tag)
		p.WaitUntil(func(context.Context) error { return err })
	})
}

// Stop refuses further events, waits for everything outstanding, then
// stops the agent goroutine.  It gives up when ctx is done.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		<-a.exited
		return nil
	}
	a.stopping = true
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(a.quit)
	<-a.exited
	return err
}
