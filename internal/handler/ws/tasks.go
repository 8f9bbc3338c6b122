package ws

import (
	"context"
	"sync"
	"time"

	"github.com/webitel/im-realtime-service/internal/domain/model"
)

type taskResult struct {
	route    model.Route
	duration time.Duration
}

// taskGroup tracks the handler tasks spawned for inbound requests so the
// supervisor can cancel and await all of them while draining.
type taskGroup struct {
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	completed chan taskResult
}

func newTaskGroup(parent context.Context) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{
		ctx:       ctx,
		cancel:    cancel,
		completed: make(chan taskResult, 16),
	}
}

// Go runs fn in its own goroutine and reports its completion.
func (g *taskGroup) Go(route model.Route, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		start := time.Now()
		fn(g.ctx)

		select {
		case g.completed <- taskResult{route: route, duration: time.Since(start)}:
		case <-g.ctx.Done():
		}
	}()
}

// Completed yields one result per finished task while the group is live.
func (g *taskGroup) Completed() <-chan taskResult { return g.completed }

// CancelAndWait cancels every running task and waits for them to return.
func (g *taskGroup) CancelAndWait() {
	g.cancel()
	g.wg.Wait()
}
