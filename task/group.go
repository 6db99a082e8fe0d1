// Package task runs the driver's long-lived loops (accept, dispatch, expiry,
// workers) as one cancellable group.
package task

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group is a set of named, concurrently-run functions which are collectively
// waited on. The first function to return a non-nil error cancels the whole
// Group, as does an explicit Cancel or cancellation of the parent context.
// Group is not itself thread-safe: Queue and GoRun from a single goroutine.
type Group struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	tasks   []namedTask
	eg      *errgroup.Group
	started bool
}

type namedTask struct {
	name string
	fn   func() error
}

// NewGroup returns an empty Group rooted at |ctx|.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context of the Group. Queued functions should monitor it and return upon
// its cancellation.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group's Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue |fn| to run under |name| when GoRun is called.
// Queue panics if called after GoRun.
func (g *Group) Queue(name string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, namedTask{name: name, fn: fn})
}

// GoRun starts all queued functions. It may be called once.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]
		g.eg.Go(func() error { return errors.WithMessage(t.fn(), t.name) })
	}
}

// Wait blocks until all started functions return, and returns the first
// non-nil error. GoRun must have been called first.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}
