// Package gate holds requests back until the first asset build has completed.
//
// Requests arriving while the gate is closed queue up. Opening the gate hands a
// baton to the oldest waiter, which passes it on once it has resumed, so the
// queue drains in arrival order. The gate opens exactly once and never closes again.
package gate

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	AwaitingFirstBuild State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "awaiting-first-build"
}

type Config struct {
	// Called by every queued waiter, in arrival order, as it resumes.
	// The ticket is the waiter's position in the queue, starting at 1.
	OnResume func(ticket uint64)
	Logger   *zerolog.Logger
}

type Gate struct {
	mutex    sync.Mutex
	state    State
	queue    []*waiter
	tickets  uint64
	draining bool
	onResume func(uint64)
	log      zerolog.Logger
}

type waiter struct {
	ticket uint64
	wake   chan struct{}
	woken  bool
	gone   bool
}

func New(config Config) *Gate {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Gate{
		onResume: config.OnResume,
		log:      logger.With().Str("component", "gate").Logger(),
	}
}

// State returns the current state of the gate.
func (g *Gate) State() State {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.state
}

// Ready reports whether the first build has completed.
func (g *Gate) Ready() bool {
	return g.State() == Ready
}

// Queued returns the number of waiters that have not resumed yet.
func (g *Gate) Queued() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	n := 0
	for _, w := range g.queue {
		if !w.gone {
			n++
		}
	}
	return n
}

// Wait blocks until the gate is open and every earlier waiter has resumed.
// If ctx ends first, the waiter leaves the queue and ctx.Err() is returned.
func (g *Gate) Wait(ctx context.Context) error {
	g.mutex.Lock()
	if g.state == Ready && !g.draining {
		g.mutex.Unlock()
		return nil
	}
	g.tickets++
	w := &waiter{ticket: g.tickets, wake: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.mutex.Unlock()

	g.log.Trace().Uint64("ticket", w.ticket).Msg("Waiting for first build")

	select {
	case <-w.wake:
		if g.onResume != nil {
			g.onResume(w.ticket)
		}
		g.advance()
		return nil
	case <-ctx.Done():
		g.mutex.Lock()
		w.gone = true
		holdsBaton := w.woken
		g.mutex.Unlock()
		if holdsBaton {
			g.advance()
		}
		g.log.Debug().Uint64("ticket", w.ticket).Err(ctx.Err()).Msg("Waiter left the queue")
		return ctx.Err()
	}
}

// Open moves the gate to Ready and starts resuming queued waiters.
// Only the first call has an effect; it reports whether this call opened the gate.
func (g *Gate) Open() bool {
	g.mutex.Lock()
	if g.state == Ready {
		g.mutex.Unlock()
		return false
	}
	g.state = Ready
	g.draining = true
	queued := len(g.queue)
	g.mutex.Unlock()

	g.log.Info().Int("queued", queued).Msg("First build completed, releasing requests")
	g.advance()
	return true
}

// advance wakes the oldest waiter still in the queue, or ends the drain.
func (g *Gate) advance() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for len(g.queue) > 0 {
		w := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		if w.gone {
			continue
		}
		w.woken = true
		close(w.wake)
		return
	}
	g.queue = nil
	g.draining = false
}

// Middleware holds each request in the gate before passing it on.
// A request abandoned by its client while queued is dropped without a response.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Wait(r.Context()); err != nil {
			return
		}
		next.ServeHTTP(w, r)
	})
}
