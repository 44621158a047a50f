package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/colloquy/internal/assess"
	"github.com/MrWong99/colloquy/internal/dialogue"
	"github.com/MrWong99/colloquy/internal/observe"
	"github.com/MrWong99/colloquy/internal/structured"
	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

const stageName = "rating"

// ErrEmptyTranscript is returned when there is nothing to rate.
var ErrEmptyTranscript = errors.New("rating: transcript is empty")

var ratingDecoder = structured.MustDecoder[wireRating]("rating.schema.json", responseSchema)

// Request is the input of one panel rating.
type Request struct {
	Transcript *dialogue.Transcript
	Scene      string

	// Defects is the assessor's report. It is summarised for the experts;
	// nil means no defects.
	Defects *assess.Report

	Panel []Expert

	// IncludeSystemPrompt shows SubjectPrompt to the experts.
	IncludeSystemPrompt bool
	SubjectPrompt       string
}

// Params are the sampling parameters of every expert request.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Engine rates transcripts against one evaluation provider. It is safe for
// concurrent use.
type Engine struct {
	llm         llm.Provider
	params      Params
	name        string
	maxParallel int
	metrics     *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithParams sets the sampling parameters.
func WithParams(p Params) Option {
	return func(e *Engine) { e.params = p }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithMaxParallel caps how many expert requests run at once. Zero or
// negative means one request per expert, all at once.
func WithMaxParallel(n int) Option {
	return func(e *Engine) { e.maxParallel = n }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine that sends its requests to p.
func New(p llm.Provider, opts ...Option) *Engine {
	e := &Engine{llm: p, name: "evaluation"}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Rate asks every panel member for a score and reduces the answers.
//
// The panel is validated first; on violation Rate returns an error wrapping
// [ErrInvalidPanel] without sending anything. A transport failure of any
// expert cancels the remaining requests and fails the whole call. An answer
// that cannot be decoded does not fail anything: that expert's rating
// becomes [FallbackScore] with [FallbackComment].
func (e *Engine) Rate(ctx context.Context, req Request) (_ *Set, err error) {
	if err := ValidatePanel(req.Panel); err != nil {
		return nil, err
	}
	if req.Transcript.Len() == 0 {
		return nil, ErrEmptyTranscript
	}

	ctx, span := observe.StartSpan(ctx, "rating.rate",
		trace.WithAttributes(attribute.Int("panel", len(req.Panel))),
	)
	defer func() { observe.EndSpan(span, err) }()

	user := buildUserPrompt(req)
	ratings := make([]Rating, len(req.Panel))

	g, gctx := errgroup.WithContext(ctx)
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, expert := range req.Panel {
		g.Go(func() error {
			r, err := e.rateOne(gctx, expert, user)
			if err != nil {
				return fmt.Errorf("rating: expert %q: %w", expert.Label(), err)
			}
			ratings[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}

	set := &Set{Ratings: ratings, FinalScore: Reduce(ratings)}
	e.metrics.RatingScore.Record(ctx, set.FinalScore)
	span.SetAttributes(attribute.Float64("final_score", set.FinalScore))
	return set, nil
}

func (e *Engine) rateOne(ctx context.Context, expert Expert, user string) (Rating, error) {
	start := time.Now()
	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		SystemPrompt: buildSystemPrompt(expert),
		Temperature:  e.params.Temperature,
		TopP:         e.params.TopP,
		MaxTokens:    e.params.MaxTokens,
		JSONMode:     true,
	})
	if err != nil {
		status := "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		e.metrics.RecordProviderRequest(ctx, e.name, stageName, status, time.Since(start))
		return Rating{}, err
	}
	e.metrics.RecordProviderRequest(ctx, e.name, stageName, "ok", time.Since(start))

	var content string
	if resp != nil {
		content = resp.Content
	}
	res := ratingDecoder.Decode(content)
	if !res.OK {
		observe.Logger(ctx).Warn("rating: unusable response, assigning fallback score",
			"expert", expert.Label(), "failure", res.Failure.String(), "err", res.Err)
		e.metrics.RecordStructuredFailure(ctx, stageName, res.Failure.String())
		return fallback(expert), nil
	}
	return Rating{
		Expert:  expert,
		Score:   Clamp(res.Value.Score),
		Weight:  expert.Harshness,
		Comment: res.Value.Comment,
	}, nil
}
