// Package assess finds rule violations in a finished transcript.
//
// An [Assessor] sends the transcript, the scene and the known [Mistake]
// definitions to an evaluation model in one JSON-mode request and files the
// answer into four severity buckets. Malformed answers never fail the
// pipeline: they degrade to an empty [Report] and are counted as structured
// failures. Only transport errors and cancellation are returned.
package assess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/colloquy/internal/dialogue"
	"github.com/MrWong99/colloquy/internal/observe"
	"github.com/MrWong99/colloquy/internal/structured"
	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

// Unknown fills defect fields the model left out and no definition resolves.
const Unknown = "Unknown"

// stageName labels metrics and spans emitted by this package.
const stageName = "assessment"

// ErrEmptyTranscript is returned when there is nothing to assess.
var ErrEmptyTranscript = errors.New("assess: transcript is empty")

// Location points at the offending text. The zero value means unresolved.
type Location struct {
	TurnID int64  `json:"turn_id"`
	Quote  string `json:"quote"`
}

// Defect is one rule violation found in a transcript.
type Defect struct {
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Location    Location `json:"location"`
	Explanation string   `json:"explanation"`
}

// Report holds the defects of one transcript, bucketed by severity. The
// slices are never nil on a report returned by [Assessor.Assess].
type Report struct {
	Inform   []Defect `json:"inform"`
	Warning  []Defect `json:"warning"`
	Error    []Defect `json:"error"`
	Unlisted []Defect `json:"unlisted"`
}

// EmptyReport returns a report with every bucket empty but non-nil.
func EmptyReport() *Report {
	return &Report{
		Inform:   []Defect{},
		Warning:  []Defect{},
		Error:    []Defect{},
		Unlisted: []Defect{},
	}
}

// Bucket returns the defects filed under sev.
func (r *Report) Bucket(sev Severity) []Defect {
	if r == nil {
		return nil
	}
	switch sev {
	case SeverityInform:
		return r.Inform
	case SeverityWarning:
		return r.Warning
	case SeverityError:
		return r.Error
	default:
		return r.Unlisted
	}
}

// All returns every defect in bucket order.
func (r *Report) All() []Defect {
	var out []Defect
	for _, sev := range Severities() {
		out = append(out, r.Bucket(sev)...)
	}
	return out
}

// Total returns the number of defects across all buckets.
func (r *Report) Total() int {
	n := 0
	for _, sev := range Severities() {
		n += len(r.Bucket(sev))
	}
	return n
}

// Request is the input of one assessment.
type Request struct {
	Transcript *dialogue.Transcript
	Scene      string
	Mistakes   []Mistake

	// IncludeUnlisted keeps defects that match no known mistake. When false
	// the Unlisted bucket is always empty.
	IncludeUnlisted bool
}

// Params are the sampling parameters of the assessment request.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Assessor runs assessments against one evaluation provider. It is safe for
// concurrent use.
type Assessor struct {
	llm     llm.Provider
	params  Params
	name    string
	metrics *observe.Metrics
	decoder *structured.Decoder[wireReport]
}

// Option is a functional option for [New].
type Option func(*Assessor)

// WithParams sets the sampling parameters.
func WithParams(p Params) Option {
	return func(a *Assessor) { a.params = p }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(a *Assessor) { a.name = name }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assessor) { a.metrics = m }
}

var reportDecoder = structured.MustDecoder[wireReport]("assessment.schema.json", responseSchema)

// New creates an Assessor that sends its requests to p.
func New(p llm.Provider, opts ...Option) *Assessor {
	a := &Assessor{
		llm:     p,
		name:    "evaluation",
		decoder: reportDecoder,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Assess reviews req.Transcript and returns its defect report.
//
// A response that cannot be decoded yields an empty report and a nil error.
// A transport failure is returned wrapped; cancellation returns
// context.Cause(ctx). In both cases the report is nil.
func (a *Assessor) Assess(ctx context.Context, req Request) (_ *Report, err error) {
	if req.Transcript.Len() == 0 {
		return nil, ErrEmptyTranscript
	}

	ctx, span := observe.StartSpan(ctx, "assess.assess",
		trace.WithAttributes(
			attribute.Int("turns", req.Transcript.Len()),
			attribute.Int("mistakes", len(req.Mistakes)),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	lines := req.Transcript.Lines()
	user, err := buildUserPayload(lines, req.Scene, req.Mistakes)
	if err != nil {
		return nil, err
	}
	creq := llm.CompletionRequest{
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		SystemPrompt: buildSystemPrompt(req.Mistakes, req.IncludeUnlisted),
		Temperature:  a.params.Temperature,
		TopP:         a.params.TopP,
		MaxTokens:    a.params.MaxTokens,
		JSONMode:     true,
	}

	start := time.Now()
	resp, err := a.llm.Complete(ctx, creq)
	switch {
	case ctx.Err() != nil:
		a.metrics.RecordProviderRequest(ctx, a.name, stageName, "cancelled", time.Since(start))
		return nil, context.Cause(ctx)
	case err != nil:
		a.metrics.RecordProviderRequest(ctx, a.name, stageName, "error", time.Since(start))
		return nil, fmt.Errorf("assess: %w", err)
	}
	a.metrics.RecordProviderRequest(ctx, a.name, stageName, "ok", time.Since(start))

	var content string
	if resp != nil {
		content = resp.Content
	}
	res := a.decoder.Decode(content)
	if !res.OK {
		observe.Logger(ctx).Warn("assess: unusable response, reporting no defects",
			"failure", res.Failure.String(), "err", res.Err)
		a.metrics.RecordStructuredFailure(ctx, stageName, res.Failure.String())
		span.SetAttributes(attribute.String("structured.failure", res.Failure.String()))
		return EmptyReport(), nil
	}

	report := enrich(res.Value, req.Mistakes, lines, req.IncludeUnlisted)
	for _, sev := range Severities() {
		a.metrics.RecordDefects(ctx, string(sev), len(report.Bucket(sev)))
	}
	span.SetAttributes(attribute.Int("defects", report.Total()))
	return report, nil
}

// enrich turns the wire response into a Report. The bucket decides the
// severity; missing explanations come from the matching definition; missing
// names and unresolvable turn references fall back to defaults.
func enrich(w wireReport, mistakes []Mistake, lines []dialogue.Line, includeUnlisted bool) *Report {
	byName := make(map[string]Mistake, len(mistakes))
	for _, m := range mistakes {
		byName[strings.ToLower(strings.TrimSpace(m.Name))] = m
	}
	turnIDs := make(map[int64]struct{}, len(lines))
	for _, l := range lines {
		turnIDs[l.ID] = struct{}{}
	}

	convert := func(in []wireDefect, sev Severity) []Defect {
		out := make([]Defect, 0, len(in))
		for _, wd := range in {
			d := Defect{
				Name:        strings.TrimSpace(wd.Name),
				Severity:    sev,
				Explanation: strings.TrimSpace(wd.Explanation),
				Location:    Location{TurnID: int64(wd.TurnID), Quote: wd.Quote},
			}
			if d.Explanation == "" {
				if m, ok := byName[strings.ToLower(d.Name)]; ok {
					d.Explanation = m.Description
				}
			}
			if d.Name == "" {
				d.Name = Unknown
			}
			if d.Explanation == "" {
				d.Explanation = Unknown
			}
			if _, ok := turnIDs[d.Location.TurnID]; !ok {
				d.Location = Location{}
			}
			out = append(out, d)
		}
		return out
	}

	r := &Report{
		Inform:   convert(w.Inform, SeverityInform),
		Warning:  convert(w.Warning, SeverityWarning),
		Error:    convert(w.Error, SeverityError),
		Unlisted: convert(w.Unlisted, SeverityUnlisted),
	}
	if !includeUnlisted {
		r.Unlisted = []Defect{}
	}
	return r
}
