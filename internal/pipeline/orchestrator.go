// Package pipeline sequences one dialogue simulation and its evaluation.
//
// An [Orchestrator] runs the dialogue generator, then the defect assessor,
// then the rating panel, and reports its progress as typed [Event] values to
// any number of subscribers. Every run ends with exactly one terminal event:
// complete, error or abort. Two escape paths exist: [Orchestrator.Abort]
// stops the run from any state, and [Orchestrator.ForceAdvance] cuts the
// dialogue short and evaluates what was produced so far.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/colloquy/internal/assess"
	"github.com/MrWong99/colloquy/internal/dialogue"
	"github.com/MrWong99/colloquy/internal/observe"
	"github.com/MrWong99/colloquy/internal/rating"
)

// State is the lifecycle position of an [Orchestrator].
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateAssessing
	StateRating
	StateCompleted
	StateAborted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateAssessing:
		return "assessing"
	case StateRating:
		return "rating"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateError
}

var (
	// ErrAlreadyRunning is returned by Run while a run is in progress.
	ErrAlreadyRunning = errors.New("pipeline: already running")

	// ErrInvalidInputs is returned by Run when the inputs fail validation.
	ErrInvalidInputs = errors.New("pipeline: invalid inputs")

	// ErrAborted is the cancellation cause of an aborted run and the error
	// Run returns for it.
	ErrAborted = errors.New("pipeline: aborted")

	// errForceAdvance is the cancellation cause of a truncated generation.
	errForceAdvance = errors.New("pipeline: generation force-advanced")
)

// Generator produces the dialogue. [*dialogue.Generator] implements it.
type Generator interface {
	Run(ctx context.Context, s dialogue.Session, cb dialogue.Callbacks) (*dialogue.Transcript, error)
}

// Assessor finds defects. [*assess.Assessor] implements it.
type Assessor interface {
	Assess(ctx context.Context, req assess.Request) (*assess.Report, error)
}

// Rater scores the transcript. [*rating.Engine] implements it.
type Rater interface {
	Rate(ctx context.Context, req rating.Request) (*rating.Set, error)
}

// Inputs are the per-run parameters.
type Inputs struct {
	Session             dialogue.Session
	Scene               string
	Mistakes            []assess.Mistake
	IncludeUnlisted     bool
	Panel               []rating.Expert
	IncludeSystemPrompt bool
}

// Validate checks the inputs without touching any provider.
func (in Inputs) Validate() error {
	var errs []error
	if err := in.Session.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := rating.ValidatePanel(in.Panel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInputs, errors.Join(errs...))
	}
	return nil
}

// Bundle collects the artifacts of one run. Defects and Ratings stay nil
// when their stage never finished.
type Bundle struct {
	Transcript *dialogue.Transcript `json:"transcript"`
	Defects    *assess.Report       `json:"defects,omitempty"`
	Ratings    *rating.Set          `json:"ratings,omitempty"`
}

// Orchestrator runs one pipeline instance at a time. All methods are safe for
// concurrent use.
type Orchestrator struct {
	id      string
	gen     Generator
	asr     Assessor
	rater   Rater
	metrics *observe.Metrics
	bus     *bus
	now     func() time.Time

	mu          sync.Mutex
	state       State
	abortedFrom State
	running     bool
	cancel      context.CancelCauseFunc
	genCancel   context.CancelCauseFunc
	bundle      *Bundle
}

// Option is a functional option for [New].
type Option func(*config)

type config struct {
	id         string
	metrics    *observe.Metrics
	bufferSize int
	now        func() time.Time
}

// WithID sets the instance ID. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithBufferSize sets the channel capacity of every subscription. Defaults to
// [DefaultBufferSize].
func WithBufferSize(n int) Option {
	return func(c *config) { c.bufferSize = n }
}

// WithClock overrides time.Now for event timestamps and stage timing.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates an idle orchestrator.
func New(gen Generator, asr Assessor, rater Rater, opts ...Option) *Orchestrator {
	cfg := config{bufferSize: DefaultBufferSize, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		id:      cfg.id,
		gen:     gen,
		asr:     asr,
		rater:   rater,
		metrics: cfg.metrics,
		bus:     newBus(cfg.bufferSize, cfg.metrics),
		now:     cfg.now,
	}
}

// ID returns the instance ID.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Bundle returns the artifacts of the most recent run. It is nil before the
// first run and partial until the run ends.
func (o *Orchestrator) Bundle() *Bundle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bundle
}

// Subscribe registers for events of the given kinds, or of every kind when
// none are given. Call cancel to unsubscribe; it closes the channel.
func (o *Orchestrator) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	return o.bus.subscribe(kinds...)
}

// Run executes one full pipeline and blocks until it ends. It is allowed from
// the idle, completed and error states; the artifacts of a previous run are
// discarded. An aborted instance stays aborted: Run returns [ErrAborted]
// without emitting any event, so no complete ever follows an abort.
//
// Run returns the bundle and nil on completion. On abort, including
// cancellation of ctx, it returns the partial bundle and an error wrapping
// [ErrAborted]. On a stage failure it returns the partial bundle and that
// failure. Invalid inputs return [ErrInvalidInputs], emit an error event
// and leave the state idle.
func (o *Orchestrator) Run(ctx context.Context, in Inputs) (*Bundle, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if o.state == StateAborted {
		b := o.bundle
		o.mu.Unlock()
		observe.Logger(ctx).Debug("pipeline: run refused after abort", "pipeline", o.id)
		return b, ErrAborted
	}
	o.bundle = nil
	if err := in.Validate(); err != nil {
		o.state = StateIdle
		o.mu.Unlock()
		observe.Logger(ctx).Warn("pipeline: rejected inputs", "pipeline", o.id, "err", err)
		o.emit(ctx, Event{Kind: EventError, Err: err})
		return nil, err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	o.state = StateIdle
	o.running = true
	o.cancel = cancel
	o.bundle = &Bundle{}
	o.mu.Unlock()
	defer cancel(nil)

	runCtx, span := observe.StartSpan(runCtx, "pipeline.run",
		trace.WithAttributes(attribute.String("pipeline", o.id)),
	)
	b, err := o.run(runCtx, in)
	b, err = o.finish(runCtx, b, err)
	observe.EndSpan(span, err)
	return b, err
}

func (o *Orchestrator) run(ctx context.Context, in Inputs) (*Bundle, error) {
	b := &Bundle{}

	genCtx, genCancel := context.WithCancelCause(ctx)
	defer genCancel(nil)
	if !o.advance(ctx, StateGenerating, genCancel) {
		return b, ErrAborted
	}
	start := o.now()
	tr, err := o.gen.Run(genCtx, in.Session, o.callbacks(ctx))
	o.metrics.RecordStage(ctx, "generation", o.now().Sub(start))
	o.mu.Lock()
	o.genCancel = nil
	o.mu.Unlock()

	b.Transcript = tr
	o.store(b)
	o.emit(ctx, Event{Kind: EventStreamEnd, Bundle: b})
	if err != nil {
		if ctx.Err() != nil {
			return b, context.Cause(ctx)
		}
		if !errors.Is(err, errForceAdvance) {
			return b, fmt.Errorf("pipeline: generation: %w", err)
		}
		observe.Logger(ctx).Info("pipeline: generation truncated", "pipeline", o.id, "turns", tr.Len())
	}

	if !o.advance(ctx, StateAssessing, nil) {
		return b, ErrAborted
	}
	o.emit(ctx, Event{Kind: EventEvalUpdate, Stage: EvalAssessment, Status: EvalStarted})
	start = o.now()
	report, err := o.asr.Assess(ctx, assess.Request{
		Transcript:      tr,
		Scene:           in.Scene,
		Mistakes:        in.Mistakes,
		IncludeUnlisted: in.IncludeUnlisted,
	})
	o.metrics.RecordStage(ctx, string(EvalAssessment), o.now().Sub(start))
	if err != nil {
		if ctx.Err() != nil {
			return b, context.Cause(ctx)
		}
		o.emit(ctx, Event{Kind: EventEvalUpdate, Stage: EvalAssessment, Status: EvalFailed, Err: err})
		return b, fmt.Errorf("pipeline: assessment: %w", err)
	}
	b.Defects = report
	o.store(b)
	o.emit(ctx, Event{Kind: EventEvalUpdate, Stage: EvalAssessment, Status: EvalCompleted})

	if !o.advance(ctx, StateRating, nil) {
		return b, ErrAborted
	}
	o.emit(ctx, Event{Kind: EventEvalUpdate, Stage: EvalRating, Status: EvalStarted})
	start = o.now()
	set, err := o.rater.Rate(ctx, rating.Request{
		Transcript:          tr,
		Scene:               in.Scene,
		Defects:             report,
		Panel:               in.Panel,
		IncludeSystemPrompt: in.IncludeSystemPrompt,
		SubjectPrompt:       in.Session.SubjectPrompt,
	})
	o.metrics.RecordStage(ctx, string(EvalRating), o.now().Sub(start))
	if err != nil {
		if ctx.Err() != nil {
			return b, context.Cause(ctx)
		}
		o.emit(ctx, Event{Kind: EventEvalUpdate, Stage: EvalRating, Status: EvalFailed, Err: err})
		return b, fmt.Errorf("pipeline: rating: %w", err)
	}
	b.Ratings = set
	o.store(b)
	o.emit(ctx, Event{Kind: EventEvalUpdate, Stage: EvalRating, Status: EvalCompleted})
	return b, nil
}

// finish moves to the terminal state and emits the one terminal event.
func (o *Orchestrator) finish(ctx context.Context, b *Bundle, err error) (*Bundle, error) {
	o.mu.Lock()
	from := o.state
	if from == StateAborted {
		from = o.abortedFrom
	}
	var ev Event
	switch {
	case o.state == StateAborted || errors.Is(err, ErrAborted) || ctx.Err() != nil:
		o.state = StateAborted
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ErrAborted) {
			err = fmt.Errorf("%w: %w", ErrAborted, cause)
		} else {
			err = ErrAborted
		}
		ev = Event{Kind: EventAbort, Err: err}
	case err != nil:
		o.state = StateError
		ev = Event{Kind: EventError, Err: err}
	default:
		o.state = StateCompleted
		ev = Event{Kind: EventComplete}
	}
	to := o.state
	o.bundle = b
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	ev.Bundle = b
	log := observe.Logger(ctx).With("pipeline", o.id, "state", to.String())
	switch to {
	case StateCompleted:
		log.Info("pipeline: completed", "final_score", b.Ratings.FinalScore)
	case StateError:
		log.Warn("pipeline: failed", "err", err)
	default:
		log.Info("pipeline: aborted", "from", from.String())
	}
	if from != to {
		o.emit(ctx, Event{Kind: EventStageChange, From: from, To: to})
	}
	o.metrics.RecordPipeline(context.WithoutCancel(ctx), to.String())
	o.emit(ctx, ev)
	return b, err
}

// advance moves to the next stage. It fails once the run has been aborted.
// genCancel is registered for [Orchestrator.ForceAdvance] in the same step.
func (o *Orchestrator) advance(ctx context.Context, to State, genCancel context.CancelCauseFunc) bool {
	o.mu.Lock()
	from := o.state
	if from.Terminal() || ctx.Err() != nil {
		o.mu.Unlock()
		return false
	}
	o.state = to
	o.genCancel = genCancel
	o.mu.Unlock()

	observe.Logger(ctx).Debug("pipeline: stage change", "pipeline", o.id, "from", from.String(), "to", to.String())
	o.emit(ctx, Event{Kind: EventStageChange, From: from, To: to})
	return true
}

func (o *Orchestrator) store(b *Bundle) {
	snapshot := *b
	o.mu.Lock()
	o.bundle = &snapshot
	o.mu.Unlock()
}

// Abort stops the instance from any non-terminal state and reports whether
// it did anything. The terminal abort event is emitted by the running Run
// call, or by Abort itself when the instance is idle. Later calls return
// false.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return false
	}
	from := o.state
	o.state = StateAborted
	o.abortedFrom = from
	running, cancel := o.running, o.cancel
	o.mu.Unlock()

	if running {
		if cancel != nil {
			cancel(ErrAborted)
		}
		return true
	}
	ctx := context.Background()
	o.metrics.RecordPipeline(ctx, StateAborted.String())
	o.emit(ctx, Event{Kind: EventStageChange, From: from, To: StateAborted})
	o.emit(ctx, Event{Kind: EventAbort, Err: ErrAborted})
	return true
}

// ForceAdvance ends dialogue generation early. The transcript produced so
// far is evaluated as if the termination policy had fired. It returns false
// outside the generating state.
func (o *Orchestrator) ForceAdvance() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateGenerating || o.genCancel == nil {
		return false
	}
	o.genCancel(errForceAdvance)
	o.genCancel = nil
	return true
}

func (o *Orchestrator) callbacks(ctx context.Context) dialogue.Callbacks {
	first := true
	return dialogue.Callbacks{
		OnTurnStart: func(t dialogue.Turn) {
			kind := EventStreamRoleSwitch
			if first {
				kind, first = EventStreamStart, false
			}
			o.emit(ctx, Event{Kind: kind, TurnID: t.ID, Role: t.Role})
		},
		OnChunk: func(id int64, role dialogue.Role, delta string) {
			o.emit(ctx, Event{Kind: EventStreamChunk, TurnID: id, Role: role, Delta: delta})
		},
	}
}

func (o *Orchestrator) emit(ctx context.Context, e Event) {
	e.Pipeline = o.id
	e.At = o.now()
	o.bus.publish(ctx, e)
}
