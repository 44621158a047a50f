package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/colloquy/internal/observe"
	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

// ErrorMarker replaces the content of a turn whose provider call failed.
const ErrorMarker = "[error: turn generation failed]"

// ErrInvalidSession is returned by [Generator.Run] before any provider call
// when the session is missing required fields.
var ErrInvalidSession = errors.New("dialogue: invalid session")

// TurnError reports a transport failure while generating a turn. The turn is
// still appended to the transcript, with its content set to [ErrorMarker].
type TurnError struct {
	TurnID int64
	Role   Role
	Err    error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("dialogue: %s turn %d: %v", e.Role, e.TurnID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Params are the sampling parameters applied to every turn.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Session is the input of one dialogue run.
type Session struct {
	// SubjectPrompt is the system prompt of the model under test, which
	// speaks as the assistant.
	SubjectPrompt string

	// CounterpartPrompt is the system prompt of the simulated user.
	CounterpartPrompt string

	// InitialMessage seeds the transcript as the first user turn.
	InitialMessage string

	Policy Policy
}

// Validate checks the session fields without touching any provider.
func (s Session) Validate() error {
	var errs []error
	if strings.TrimSpace(s.SubjectPrompt) == "" {
		errs = append(errs, errors.New("subject prompt is empty"))
	}
	if strings.TrimSpace(s.CounterpartPrompt) == "" {
		errs = append(errs, errors.New("counterpart prompt is empty"))
	}
	if strings.TrimSpace(s.InitialMessage) == "" {
		errs = append(errs, errors.New("initial message is empty"))
	}
	if err := s.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSession, errors.Join(errs...))
	}
	return nil
}

// Callbacks observe a session while it runs. Any field may be nil. They are
// called synchronously from the generating goroutine and must not block.
type Callbacks struct {
	// OnTurnStart fires when a turn begins, which is also every point where
	// the speaking role switches. It fires before the stream opens, so the
	// turn may end up dropped; see OnTurnEnd.
	OnTurnStart func(turn Turn)

	// OnChunk fires for every visible delta of the current turn.
	OnChunk func(turnID int64, role Role, delta string)

	// OnTurnEnd fires once for every OnTurnStart, with the turn exactly as
	// appended to the transcript. A turn cut off before its first visible
	// delta is not appended; it is reported Partial with empty Content and
	// its ID never appears in the transcript.
	OnTurnEnd func(turn Turn)
}

func (c Callbacks) turnStart(t Turn) {
	if c.OnTurnStart != nil {
		c.OnTurnStart(t)
	}
}

func (c Callbacks) chunk(id int64, r Role, delta string) {
	if c.OnChunk != nil && delta != "" {
		c.OnChunk(id, r, delta)
	}
}

func (c Callbacks) turnEnd(t Turn) {
	if c.OnTurnEnd != nil {
		c.OnTurnEnd(t)
	}
}

// Generator runs dialogue sessions against one provider. It holds no
// per-session state and is safe for concurrent use.
type Generator struct {
	llm     llm.Provider
	params  Params
	name    string
	metrics *observe.Metrics
	now     func() time.Time
}

// Option is a functional option for [New].
type Option func(*Generator)

// WithParams sets the sampling parameters.
func WithParams(p Params) Option {
	return func(g *Generator) { g.params = p }
}

// WithProviderName sets the provider label used in metrics and logs.
func WithProviderName(name string) Option {
	return func(g *Generator) { g.name = name }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithClock overrides time.Now for turn IDs and timing.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a Generator that streams every turn from p.
func New(p llm.Provider, opts ...Option) *Generator {
	g := &Generator{
		llm:  p,
		name: "dialogue",
		now:  time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Run executes one session and returns its transcript.
//
// The returned error tells how the session ended:
//   - nil: the termination policy fired.
//   - context.Cause(ctx): the context was cancelled. The transcript holds
//     every finished turn plus the interrupted one if it had any content.
//   - *TurnError: a provider call failed. The failed turn is the last one
//     in the transcript.
//   - ErrInvalidSession: nothing ran and the transcript is nil.
func (g *Generator) Run(ctx context.Context, s Session, cb Callbacks) (*Transcript, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "dialogue.session",
		trace.WithAttributes(attribute.String("policy", s.Policy.String())),
	)
	tr := &Transcript{}
	var runErr error
	defer func() {
		span.SetAttributes(attribute.Int("turns", tr.Len()))
		observe.EndSpan(span, runErr)
	}()

	now := g.now()
	seed := Turn{
		ID:        tr.nextID(now),
		Role:      RoleUser,
		Content:   s.InitialMessage,
		StartedAt: now,
		EndedAt:   now,
	}
	cb.turnStart(seed)
	cb.chunk(seed.ID, seed.Role, seed.Content)
	if runErr = tr.append(seed); runErr != nil {
		return nil, runErr
	}
	cb.turnEnd(seed)

	role := RoleAssistant
	for {
		if ctx.Err() != nil {
			runErr = context.Cause(ctx)
			return tr, runErr
		}

		turn, err := g.turn(ctx, tr, s, role, cb)
		if !turn.Partial || turn.Content != "" {
			if aerr := tr.append(turn); aerr != nil {
				runErr = aerr
				return tr, runErr
			}
		}
		cb.turnEnd(turn)
		if err != nil {
			runErr = err
			return tr, runErr
		}
		if s.Policy.Satisfied(tr) {
			observe.Logger(ctx).Debug("dialogue: termination policy fired",
				"policy", s.Policy.String(), "turns", tr.Len())
			return tr, nil
		}
		role = role.Other()
	}
}

// turn streams one turn for role. The returned turn is always usable: on
// cancellation it is marked Partial, on transport failure it is marked
// Failed and carries [ErrorMarker].
func (g *Generator) turn(ctx context.Context, tr *Transcript, s Session, role Role, cb Callbacks) (Turn, error) {
	start := g.now()
	turn := Turn{ID: tr.nextID(start), Role: role, StartedAt: start}
	cb.turnStart(turn)

	ctx, span := observe.StartSpan(ctx, "dialogue.turn",
		trace.WithAttributes(
			attribute.String("role", string(role)),
			attribute.Int64("turn_id", turn.ID),
		),
	)

	sys := s.SubjectPrompt
	if role == RoleUser {
		sys = s.CounterpartPrompt
	}
	req := llm.CompletionRequest{
		Messages:     contextFor(tr, role),
		SystemPrompt: sys,
		Temperature:  g.params.Temperature,
		TopP:         g.params.TopP,
		MaxTokens:    g.params.MaxTokens,
	}

	var content, reasoning strings.Builder
	err := g.stream(ctx, req, func(c llm.Chunk) {
		if c.Text != "" {
			if content.Len() == 0 {
				turn.FirstToken = g.now().Sub(start)
			}
			content.WriteString(c.Text)
			cb.chunk(turn.ID, role, c.Text)
		}
		reasoning.WriteString(c.Reasoning)
	})

	turn.EndedAt = g.now()
	turn.Content = content.String()
	turn.Reasoning = reasoning.String()

	status := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = "cancelled"
		turn.Partial = true
		err = context.Cause(ctx)
	default:
		status = "error"
		turn.Failed = true
		turn.Content = ErrorMarker
		observe.Logger(ctx).Warn("dialogue: turn failed",
			"role", role, "turn_id", turn.ID, "err", err)
		err = &TurnError{TurnID: turn.ID, Role: role, Err: err}
	}

	d := turn.EndedAt.Sub(start)
	g.metrics.RecordTurn(ctx, string(role), status, d, turn.FirstToken)
	g.metrics.RecordProviderRequest(ctx, g.name, "stream", status, d)
	observe.EndSpan(span, err)
	return turn, err
}

// stream runs one streaming call and feeds every chunk to fn. It returns the
// first transport error, or the context error if ctx ends first.
func (g *Generator) stream(ctx context.Context, req llm.CompletionRequest, fn func(llm.Chunk)) error {
	ch, err := g.llm.StreamCompletion(ctx, req)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-ch:
			if !ok {
				// Providers close the channel on cancellation too.
				return ctx.Err()
			}
			if err := c.Err(); err != nil {
				return err
			}
			fn(c)
		}
	}
}

// contextFor renders the transcript as chat history for the model about to
// speak as role. The speaker always sees itself as the assistant, so the
// counterpart's history has roles swapped.
func contextFor(tr *Transcript, role Role) []llm.Message {
	msgs := make([]llm.Message, 0, tr.Len())
	for _, turn := range tr.turns {
		r := llm.RoleUser
		if turn.Role == role {
			r = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: r, Content: turn.Content})
	}
	return msgs
}
