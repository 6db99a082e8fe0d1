// Package rpc implements the driver's request/response channel: a server
// which accepts framed requests over a local unix socket, queues them by
// priority, executes them on a bounded worker pool against the driver
// engine, and correlates asynchronous results back to waiting callers; and
// a client with pooled, health-checked connections and bounded retry.
package rpc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanedb/lane/wire"
)

// pendingResponse correlates an in-flight request to its waiting caller.
// The result slot is written at most once, then the promise channel is
// closed to wake the waiter.
type pendingResponse struct {
	id     uuid.UUID
	done   chan struct{}
	once   sync.Once
	result *wire.Result
}

// resolve writes |res| into the slot and wakes the waiter. It returns false
// if the response was already resolved.
func (p *pendingResponse) resolve(res *wire.Result) bool {
	var won bool
	p.once.Do(func() {
		p.result = res
		won = true
		close(p.done)
	})
	return won
}

// wait blocks until the response resolves or |timeout| elapses, returning
// the result or false on timeout.
func (p *pendingResponse) wait(timeout time.Duration) (*wire.Result, bool) {
	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.result, true
	case <-timer.C:
		// Lost race: a resolve may have just landed.
		select {
		case <-p.done:
			return p.result, true
		default:
			return nil, false
		}
	}
}

// registry is the lock-guarded table of pending responses. It is passed
// explicitly to both the accept path (which registers and waits) and the
// worker path (which resolves); it is never package-global state.
type registry struct {
	mu sync.Mutex
	m  map[uuid.UUID]*pendingResponse
}

func newRegistry() *registry {
	return &registry{m: make(map[uuid.UUID]*pendingResponse)}
}

// register creates the pendingResponse of |id|.
func (r *registry) register(id uuid.UUID) (*pendingResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.m[id]; ok {
		return nil, errors.Errorf("request %s is already pending", id)
	}
	var p = &pendingResponse{id: id, done: make(chan struct{})}
	r.m[id] = p
	return p, nil
}

// resolve delivers |res| to the pending response of its ID, removing it.
// It returns false if no caller is waiting: the request was abandoned
// (timed out) or never registered, and the result must be dropped.
func (r *registry) resolve(res *wire.Result) bool {
	r.mu.Lock()
	var p, ok = r.m[res.ID]
	if ok {
		delete(r.m, res.ID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	return p.resolve(res)
}

// abandon removes the pending response of |id| without resolving it.
// A result arriving later is dropped by resolve.
func (r *registry) abandon(id uuid.UUID) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

// size returns the count of pending responses.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
