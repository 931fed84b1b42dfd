// Package scheduler turns engine dispatches into executed step attempts. A
// bounded worker pool consumes an in-process queue, retry dispatches wait in
// a delay queue until their backoff elapses, and periodic sweeps rescue work
// whose worker or event got lost. At most one dispatch per (run, step) is
// admitted at a time.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/civion/civion/pkg/engine"
	"github.com/civion/civion/pkg/metrics"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Pool is the bounded worker pool executing step dispatches.
type Pool struct {
	logger  *slog.Logger
	engine  *engine.Engine
	metrics metrics.SchedulerMetrics
	workers int

	queue   chan engine.Dispatch
	delayed *delayQueue
	pending *pendingSet
	wg      sync.WaitGroup
}

// NewPool creates a pool with the given concurrency. Zero values fall back
// to the defaults; a nil metrics sink disables instrumentation.
func NewPool(logger *slog.Logger, eng *engine.Engine, m metrics.SchedulerMetrics, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	if m == nil {
		m = metrics.Noop{}
	}

	return &Pool{
		logger:  logger.With("module", "scheduler"),
		engine:  eng,
		metrics: m,
		workers: workers,
		queue:   make(chan engine.Dispatch, queueSize),
		delayed: newDelayQueue(),
		pending: newPendingSet(),
	}
}

// Start launches the workers and the delay-queue pump. They run until ctx is
// cancelled; Wait blocks until all of them returned.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)

		go p.work(ctx)
	}

	p.wg.Add(1)

	go p.pump(ctx)

	p.logger.InfoContext(ctx, "Worker pool started", "workers", p.workers, "queue_size", cap(p.queue))
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Enqueue admits dispatches into the pool. A dispatch already queued or
// executing for the same (run, step) is dropped; the engine re-emits ready
// steps, so a dropped duplicate is never lost work.
func (p *Pool) Enqueue(ctx context.Context, dispatches ...engine.Dispatch) {
	for _, dispatch := range dispatches {
		if !p.pending.claim(dispatch.RunID, dispatch.StepID) {
			p.metrics.IncDropped("duplicate")

			continue
		}

		if dispatch.Delay > 0 {
			p.delayed.push(dispatch, time.Now().Add(dispatch.Delay))
			p.metrics.SetDelayedDepth(p.delayed.len())

			continue
		}

		p.submit(ctx, dispatch)
	}
}

func (p *Pool) submit(ctx context.Context, dispatch engine.Dispatch) {
	select {
	case p.queue <- dispatch:
		p.metrics.SetQueueDepth(len(p.queue))
	case <-ctx.Done():
		p.pending.release(dispatch.RunID, dispatch.StepID)
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case dispatch := <-p.queue:
			p.metrics.SetQueueDepth(len(p.queue))
			p.execute(ctx, dispatch)
		}
	}
}

// execute runs one dispatch and feeds the follow-up dispatches back into the
// pool. The (run, step) claim is released before follow-ups are admitted so
// a retry of the same step can re-claim it.
func (p *Pool) execute(ctx context.Context, dispatch engine.Dispatch) {
	p.metrics.IncDispatched()

	followUps, err := p.engine.ExecuteStep(ctx, dispatch.RunID, dispatch.StepID)

	p.pending.release(dispatch.RunID, dispatch.StepID)

	if err != nil {
		// The step stays ready in the store; the stale sweep picks it up.
		p.logger.ErrorContext(ctx, "Failed to execute step",
			"run_id", dispatch.RunID, "step_id", dispatch.StepID, "error", err)

		return
	}

	p.Enqueue(ctx, followUps...)
}

// pump moves delayed dispatches into the queue once their backoff elapses.
func (p *Pool) pump(ctx context.Context) {
	defer p.wg.Done()

	for {
		timer := time.NewTimer(p.delayed.untilNext(time.Now()))

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-p.delayed.wake:
			timer.Stop()
		case <-timer.C:
			for _, dispatch := range p.delayed.popDue(time.Now()) {
				p.submit(ctx, dispatch)
			}

			p.metrics.SetDelayedDepth(p.delayed.len())
		}
	}
}

// pendingSet holds the (run, step) pairs currently queued or executing.
type pendingSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{keys: make(map[string]struct{})}
}

func (s *pendingSet) claim(runID, stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runID + ":" + stepID

	_, exists := s.keys[key]
	if exists {
		return false
	}

	s.keys[key] = struct{}{}

	return true
}

func (s *pendingSet) release(runID, stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, runID+":"+stepID)
}
