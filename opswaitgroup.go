package transactions

import (
	"context"
	"sync"
)

// opsWaitGroup counts the operations in flight within one attempt.  Unlike a
// sync.WaitGroup, waiting can be abandoned through a context and the counter
// may be reused after it drains.
type opsWaitGroup struct {
	lock    sync.Mutex
	pending int
	waitCh  chan struct{}
}

func (g *opsWaitGroup) Add() {
	g.lock.Lock()
	g.pending++
	g.lock.Unlock()
}

func (g *opsWaitGroup) Done() {
	g.lock.Lock()
	g.pending--
	if g.pending < 0 {
		g.lock.Unlock()
		panic("opsWaitGroup: negative pending count")
	}
	if g.pending == 0 && g.waitCh != nil {
		close(g.waitCh)
		g.waitCh = nil
	}
	g.lock.Unlock()
}

func (g *opsWaitGroup) Pending() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.pending
}

// Wait blocks until no operations are in flight.
func (g *opsWaitGroup) Wait(ctx context.Context) error {
	g.lock.Lock()
	if g.pending == 0 {
		g.lock.Unlock()
		return nil
	}
	if g.waitCh == nil {
		g.waitCh = make(chan struct{})
	}
	waitCh := g.waitCh
	g.lock.Unlock()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
