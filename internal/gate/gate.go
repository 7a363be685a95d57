package gate

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Latch once the gate has been stopped.
var ErrStopped = errors.New("gate stopped")

// Gate paces outbound requests the way the game server counts them: a
// small number per second, plus a burst bucket that refills every
// minute. Callers queue up in Latch and are let through in order.
type Gate struct {
	t1Ticker    *time.Ticker
	t60Ticker   *time.Ticker
	tCheck      *time.Ticker
	t1Limit     int
	t60Limit    int
	t1Count     int
	t60Count    int
	lockedUntil time.Time
	queue       *list.List
	queueMutex  sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
}

// New starts a gate letting t1Limit requests through per second, and up
// to t60Limit extra per minute once the per second allowance is spent.
func New(t1Limit, t60Limit int) *Gate {
	g := Gate{
		t1Ticker:  time.NewTicker(time.Second + (20 * time.Millisecond)),
		t60Ticker: time.NewTicker(time.Minute),
		tCheck:    time.NewTicker(20 * time.Millisecond),
		t1Limit:   t1Limit,
		t60Limit:  t60Limit,
		queue:     list.New(),
		done:      make(chan struct{}),
	}
	go g.loop()
	return &g
}

func (g *Gate) loop() {
	defer g.t1Ticker.Stop()
	defer g.t60Ticker.Stop()
	defer g.tCheck.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-g.t1Ticker.C:
			g.queueMutex.Lock()
			g.t1Count = 0
			g.queueMutex.Unlock()
		case <-g.t60Ticker.C:
			g.queueMutex.Lock()
			g.t60Count = 0
			g.queueMutex.Unlock()
		case now := <-g.tCheck.C:
			g.queueMutex.Lock()
			g.release(now)
			g.queueMutex.Unlock()
		}
	}
}

// release lets the head of the queue through if a bucket has room.
// Must be called with queueMutex held.
func (g *Gate) release(now time.Time) {
	node := g.queue.Front()
	if node == nil || now.Before(g.lockedUntil) {
		return
	}
	c := node.Value.(chan struct{})
	switch {
	case g.t1Count < g.t1Limit:
		g.t1Count++
	case g.t60Count < g.t60Limit:
		if g.t60Count == 0 {
			g.t60Ticker.Reset(time.Minute)
		}
		g.t60Count++
	default:
		// both buckets spent, wait for a ticker to refill one
		return
	}
	g.queue.Remove(node)
	// buffered, never blocks
	c <- struct{}{}
}

// Latch blocks until the caller may send a request. It returns the
// context error if ctx ends first, or ErrStopped after Stop.
func (g *Gate) Latch(ctx context.Context) error {
	c := make(chan struct{}, 1)
	g.queueMutex.Lock()
	node := g.queue.PushBack(c)
	g.queueMutex.Unlock()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		g.drop(node)
		slog.Debug("gate wait cancelled", "error", ctx.Err())
		return ctx.Err()
	case <-g.done:
		g.drop(node)
		return ErrStopped
	}
}

func (g *Gate) drop(node *list.Element) {
	g.queueMutex.Lock()
	defer g.queueMutex.Unlock()
	// Remove is a no-op for nodes already released
	g.queue.Remove(node)
}

// Lock closes the gate for d, used after the server answers 429 so no
// other caller piles onto an exhausted limit. Overlapping locks keep the
// later deadline.
func (g *Gate) Lock(d time.Duration) {
	g.queueMutex.Lock()
	defer g.queueMutex.Unlock()
	until := time.Now().Add(d)
	if until.After(g.lockedUntil) {
		g.lockedUntil = until
	}
}

// Waiting returns the number of queued callers.
func (g *Gate) Waiting() int {
	g.queueMutex.Lock()
	defer g.queueMutex.Unlock()
	return g.queue.Len()
}

// Stop ends the gate goroutine and releases all waiters with ErrStopped.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.done) })
}
