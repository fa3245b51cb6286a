package gate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = zerolog.New(io.Discard)

type resumeLog struct {
	mu      sync.Mutex
	tickets []uint64
}

func (l *resumeLog) record(ticket uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tickets = append(l.tickets, ticket)
}

func (l *resumeLog) get() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.tickets...)
}

// queueWaiters starts one waiter per context, each only after the previous one is queued.
func queueWaiters(t *testing.T, g *Gate, ctxs []context.Context) []chan error {
	t.Helper()
	results := make([]chan error, len(ctxs))
	for i, ctx := range ctxs {
		results[i] = make(chan error, 1)
		go func(ctx context.Context, out chan error) {
			out <- g.Wait(ctx)
		}(ctx, results[i])
		want := i + 1
		require.Eventually(t, func() bool { return g.Queued() == want }, time.Second, time.Millisecond)
	}
	return results
}

func TestQueuedWaitersResumeInArrivalOrder(t *testing.T) {
	var resumed resumeLog
	g := New(Config{OnResume: resumed.record, Logger: &quiet})
	assert.Equal(t, AwaitingFirstBuild, g.State())

	bg := context.Background()
	results := queueWaiters(t, g, []context.Context{bg, bg, bg})

	// nothing resumes before the first build
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, resumed.get())

	assert.True(t, g.Open())

	for _, result := range results {
		select {
		case err := <-result:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Waiter not resumed")
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, resumed.get())
	assert.Equal(t, 0, g.Queued())
	assert.True(t, g.Ready())
}

func TestCancelledWaiterIsSkipped(t *testing.T) {
	var resumed resumeLog
	g := New(Config{OnResume: resumed.record, Logger: &quiet})

	ctx, cancel := context.WithCancel(context.Background())
	bg := context.Background()
	results := queueWaiters(t, g, []context.Context{bg, ctx, bg})

	cancel()
	assert.ErrorIs(t, <-results[1], context.Canceled)
	require.Eventually(t, func() bool { return g.Queued() == 2 }, time.Second, time.Millisecond)

	g.Open()

	assert.NoError(t, <-results[0])
	assert.NoError(t, <-results[2])
	assert.Equal(t, []uint64{1, 3}, resumed.get())
}

func TestOpenFiresOnce(t *testing.T) {
	g := New(Config{Logger: &quiet})

	assert.True(t, g.Open())
	assert.False(t, g.Open())
	assert.Equal(t, Ready, g.State())
}

func TestWaitAfterOpenDoesNotBlock(t *testing.T) {
	calls := 0
	g := New(Config{OnResume: func(uint64) { calls++ }, Logger: &quiet})
	g.Open()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, g.Wait(ctx))
	assert.NoError(t, g.Wait(context.Background()))
	assert.Equal(t, 0, calls, "requests after opening are never queued")
}

func TestManyWaitersAllResumeExactlyOnce(t *testing.T) {
	var resumed resumeLog
	g := New(Config{OnResume: resumed.record, Logger: &quiet})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Wait(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return g.Queued() == n }, time.Second, time.Millisecond)

	g.Open()
	wg.Wait()

	tickets := resumed.get()
	require.Len(t, tickets, n)
	for i, ticket := range tickets {
		assert.Equal(t, uint64(i+1), ticket)
	}
}

func TestMiddlewareHoldsRequests(t *testing.T) {
	g := New(Config{Logger: &quiet})
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("served"))
	}))

	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
		close(done)
	}()
	require.Eventually(t, func() bool { return g.Queued() == 1 }, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("Request served before the first build")
	default:
	}

	g.Open()
	<-done
	assert.Equal(t, "served", rr.Body.String())
}

func TestMiddlewareDropsAbandonedRequests(t *testing.T) {
	g := New(Config{Logger: &quiet})
	called := false
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil).WithContext(ctx))

	assert.False(t, called)
	assert.Equal(t, 0, g.Queued())
}
