// Package lifecycle holds background work open until it finishes.
//
// A lifecycle event handler returns a *Pending.  Anything asynchronous the
// handler starts goes through WaitUntil; the host must Wait on the Pending
// before it is allowed to shut the agent down.
package lifecycle

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Pending struct {
	name string
	g    *errgroup.Group
	ctx  context.Context

	once sync.Once
	done chan struct{}
	err  error
}

// New returns a Pending whose work runs under ctx.  ctx is canceled for
// the remaining work once any of it fails.
func New(ctx context.Context, name string) *Pending {
	g, gctx := errgroup.WithContext(ctx)
	return &Pending{
		name: name,
		g:    g,
		ctx:  gctx,
		done: make(chan struct{}),
	}
}

// Resolved is a Pending with nothing outstanding.
func Resolved(name string, err error) *Pending {
	p := New(context.Background(), name)
	p.WaitUntil(func(context.Context) error { return err })
	return p
}

func (p *Pending) Name() string {
	return p.name
}

// WaitUntil extends the event's lifetime until fn returns.  It must not be
// called after Wait has returned.
func (p *Pending) WaitUntil(fn func(ctx context.Context) error) {
	p.g.Go(func() error { return fn(p.ctx) })
}

// Wait blocks until every WaitUntil function has returned and reports the
// first error.
func (p *Pending) Wait() error {
	p.once.Do(func() {
		p.err = p.g.Wait()
		close(p.done)
	})
	<-p.done
	return p.err
}

// Done is closed once Wait has completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}
