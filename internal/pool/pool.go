// Package pool runs many pipeline instances under a concurrency ceiling.
//
// Submissions are admitted strictly in the order they were handed to
// [Pool.Run]: a single dispatcher acquires a slot for each one in turn, so a
// later submission never overtakes an earlier one. Every admitted instance
// gets its own derived context; aborting one never reaches its siblings.
// The pool learns how an instance ended only from the instance's terminal
// event and turns that into an [Outcome].
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/colloquy/internal/observe"
	"github.com/MrWong99/colloquy/internal/pipeline"
)

// ErrInvalidLimit is returned by [New] for a concurrency limit below one.
var ErrInvalidLimit = errors.New("pool: concurrency limit must be >= 1")

// Submission is one requested pipeline run.
type Submission struct {
	// SampleID identifies the run in outcomes and in [Pool.Abort]. A random
	// UUID is assigned when empty or already taken.
	SampleID string

	// Model labels the outcome, typically the dialogue model name.
	Model string

	Inputs pipeline.Inputs
}

// Factory builds a fresh orchestrator for an admitted submission.
type Factory func(sub Submission) *pipeline.Orchestrator

// Pool admits submissions under a concurrency limit. It is safe for
// concurrent use; concurrent Run calls share the same limit.
type Pool struct {
	limit   int
	sem     *semaphore.Weighted
	factory Factory
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry tracks one submission from queueing to its outcome.
type entry struct {
	aborted bool
	running bool
	cancel  context.CancelCauseFunc
}

// Option is a functional option for [New].
type Option func(*Pool)

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock overrides time.Now for outcome timing.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool that runs at most limit instances at once.
func New(limit int, factory Factory, opts ...Option) (*Pool, error) {
	if limit < 1 {
		return nil, ErrInvalidLimit
	}
	p := &Pool{
		limit:   limit,
		sem:     semaphore.NewWeighted(int64(limit)),
		factory: factory,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Limit returns the concurrency limit.
func (p *Pool) Limit() int { return p.limit }

// Run queues subs and returns a channel that yields exactly one outcome per
// submission and is closed afterwards. Outcomes arrive in completion order.
//
// Cancelling ctx aborts every running instance and turns every submission
// still queued into an aborted outcome without running it.
func (p *Pool) Run(ctx context.Context, subs []Submission) <-chan Outcome {
	out := make(chan Outcome, len(subs))
	queued := make([]Submission, len(subs))

	p.mu.Lock()
	for i, sub := range subs {
		if _, taken := p.entries[sub.SampleID]; sub.SampleID == "" || taken {
			sub.SampleID = uuid.NewString()
		}
		p.entries[sub.SampleID] = &entry{}
		queued[i] = sub
	}
	p.mu.Unlock()
	p.metrics.QueuedPipelines.Add(ctx, int64(len(queued)))

	go p.dispatch(ctx, queued, out)
	return out
}

func (p *Pool) dispatch(ctx context.Context, subs []Submission, out chan<- Outcome) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()

	for i, sub := range subs {
		if p.abortedWhileQueued(sub.SampleID) {
			p.dequeued(ctx)
			p.emit(out, emptyOutcome(sub, StatusAborted))
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			observe.Logger(ctx).Info("pool: cancelled, aborting queued submissions", "queued", len(subs)-i)
			for _, rest := range subs[i:] {
				p.dequeued(ctx)
				p.emit(out, emptyOutcome(rest, StatusAborted))
			}
			return
		}
		p.dequeued(ctx)

		instCtx, cancel := context.WithCancelCause(ctx)
		if !p.admit(sub.SampleID, cancel) {
			cancel(nil)
			p.sem.Release(1)
			p.emit(out, emptyOutcome(sub, StatusAborted))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			defer cancel(nil)
			p.emit(out, p.runOne(instCtx, sub))
		}()
	}
}

func (p *Pool) runOne(ctx context.Context, sub Submission) Outcome {
	orch := p.factory(sub)
	events, unsubscribe := orch.Subscribe(pipeline.EventComplete, pipeline.EventError, pipeline.EventAbort)
	defer unsubscribe()

	p.metrics.ActivePipelines.Add(ctx, 1)
	defer p.metrics.ActivePipelines.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(ctx).With("sample", sub.SampleID, "pipeline", orch.ID())
	log.Debug("pool: instance admitted")

	started := p.now()
	_, _ = orch.Run(ctx, sub.Inputs)
	ended := p.now()

	// Run publishes its terminal event before returning.
	ev, ok := <-events
	if !ok {
		o := emptyOutcome(sub, StatusError)
		o.Error = "pool: instance ended without a terminal event"
		return o
	}
	o := fromEvent(sub, ev, started, ended)
	log.Debug("pool: instance finished", "status", o.Status, "latency", o.Latency)
	return o
}

// emit sends o and forgets its entry.
func (p *Pool) emit(out chan<- Outcome, o Outcome) {
	p.mu.Lock()
	delete(p.entries, o.SampleID)
	p.mu.Unlock()
	out <- o
}

func (p *Pool) dequeued(ctx context.Context) {
	p.metrics.QueuedPipelines.Add(context.WithoutCancel(ctx), -1)
}

func (p *Pool) abortedWhileQueued(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	return ok && e.aborted
}

// admit marks id as running unless it was aborted in the meantime.
func (p *Pool) admit(id string, cancel context.CancelCauseFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok || e.aborted {
		return false
	}
	e.running = true
	e.cancel = cancel
	return true
}

// Abort stops one submission, queued or running, and reports whether it was
// found. A queued submission yields an aborted outcome without running; a
// running one is cancelled and reports whatever its instance produced.
// Siblings are unaffected.
func (p *Pool) Abort(sampleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[sampleID]
	if !ok || e.aborted {
		return false
	}
	e.aborted = true
	if e.running {
		e.cancel(pipeline.ErrAborted)
	}
	return true
}
