package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDispatcherClosed = errors.New("dispatcher closed")

// InlineDispatcher executes runs on goroutines of this process. It is the
// dispatcher for development without Redis and for tests.
type InlineDispatcher struct {
	ctx    context.Context
	engine *Engine
	wg     sync.WaitGroup
}

func NewInlineDispatcher(ctx context.Context, engine *Engine) *InlineDispatcher {
	d := &InlineDispatcher{ctx: ctx, engine: engine}
	engine.SetDispatcher(d)
	return d
}

func (d *InlineDispatcher) Dispatch(_ context.Context, runID string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.engine.Execute(d.ctx, runID); err != nil && d.ctx.Err() == nil {
			d.engine.log.Error("inline run aborted", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched run, including runs dispatched by those
// runs, has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// PoolDispatcher executes runs on a fixed number of goroutines, the way the
// asynq server does. It is a Scheduler, so waiting runs do not hold a worker.
type PoolDispatcher struct {
	ctx    context.Context
	engine *Engine
	wake   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	queue  []string
	timers map[*time.Timer]struct{}
	closed bool
}

func NewPoolDispatcher(ctx context.Context, engine *Engine, workers int) *PoolDispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &PoolDispatcher{
		ctx:    ctx,
		engine: engine,
		wake:   make(chan struct{}, 1),
		timers: make(map[*time.Timer]struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	engine.SetDispatcher(d)
	return d
}

func (d *PoolDispatcher) Dispatch(_ context.Context, runID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDispatcherClosed
	}
	d.queue = append(d.queue, runID)
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *PoolDispatcher) DispatchAt(ctx context.Context, runID string, at time.Time) error {
	delay := time.Until(at)
	if delay <= 0 {
		return d.Dispatch(ctx, runID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDispatcherClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()
		_ = d.Dispatch(d.ctx, runID)
	})
	d.timers[t] = struct{}{}
	return nil
}

// Close stops the pending timers and waits for the workers, which exit once
// the dispatcher's context is done.
func (d *PoolDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for t := range d.timers {
		t.Stop()
	}
	d.timers = nil
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *PoolDispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *PoolDispatcher) next() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return "", false
	}
	id := d.queue[0]
	d.queue = d.queue[1:]
	if len(d.queue) > 0 {
		d.signal()
	}
	return id, true
}

func (d *PoolDispatcher) work() {
	defer d.wg.Done()
	for {
		id, ok := d.next()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		if d.ctx.Err() != nil {
			return
		}
		if err := d.engine.Execute(d.ctx, id); err != nil && d.ctx.Err() == nil {
			d.engine.log.Error("pooled run aborted", "run_id", id, "error", err)
		}
	}
}
