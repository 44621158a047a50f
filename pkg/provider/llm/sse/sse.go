// Package sse is the generic provider variant for any OpenAI-compatible
// chat-completions endpoint. A variant is fully described by three things:
// its base endpoint, its auth scheme and the frame decoder in this package.
// Adding a vendor that speaks this protocol is a configuration entry, not
// code.
//
// The package speaks the wire protocol directly so that frame-level
// behaviour is under its control: malformed frames are skipped instead of
// failing the turn, and the non-standard reasoning_content side channel is
// surfaced as [llm.Chunk.Reasoning].
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

// AuthScheme selects how the API key is attached to requests.
type AuthScheme string

const (
	// AuthBearer sends "Authorization: Bearer <key>".
	AuthBearer AuthScheme = "bearer"
	// AuthHeader sends the raw key in a custom header (see [WithAuthHeader]).
	AuthHeader AuthScheme = "header"
	// AuthNone sends no credentials. Typical for local servers.
	AuthNone AuthScheme = "none"
)

// DefaultPath is appended to the base URL when no [WithPath] option is set.
const DefaultPath = "/chat/completions"

// errorBodyLimit caps how much of a non-2xx body is kept for the error.
const errorBodyLimit = 4 << 10

// StatusError is returned by StreamCompletion when the endpoint answers with
// a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sse: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Provider implements llm.Provider over raw HTTP server-sent events.
type Provider struct {
	client     *http.Client
	endpoint   string
	model      string
	apiKey     string
	auth       AuthScheme
	authHeader string
	headers    map[string]string
}

type config struct {
	path       string
	auth       AuthScheme
	authHeader string
	timeout    time.Duration
	headers    map[string]string
	client     *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithPath overrides [DefaultPath].
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithAuthScheme sets how the API key is sent. Default: [AuthBearer].
func WithAuthScheme(s AuthScheme) Option {
	return func(c *config) { c.auth = s }
}

// WithAuthHeader sets the header name used by [AuthHeader]. Default:
// "x-api-key".
func WithAuthHeader(name string) Option {
	return func(c *config) { c.authHeader = name }
}

// WithTimeout sets an overall per-request timeout, including the time spent
// streaming the body. Zero means no timeout beyond the request context.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHeaders adds static headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(c *config) { c.headers = h }
}

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// New constructs a Provider for the endpoint at baseURL bound to model.
func New(baseURL, model, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("sse: baseURL must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("sse: model must not be empty")
	}

	cfg := &config{
		path:       DefaultPath,
		auth:       AuthBearer,
		authHeader: "x-api-key",
	}
	for _, o := range opts {
		o(cfg)
	}

	switch cfg.auth {
	case AuthBearer, AuthHeader:
		if apiKey == "" {
			return nil, fmt.Errorf("sse: auth scheme %q requires an api key", cfg.auth)
		}
	case AuthNone:
	default:
		return nil, fmt.Errorf("sse: unknown auth scheme %q", cfg.auth)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &Provider{
		client:     client,
		endpoint:   strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(cfg.path, "/"),
		model:      model,
		apiKey:     apiKey,
		auth:       cfg.auth,
		authHeader: cfg.authHeader,
		headers:    cfg.headers,
	}, nil
}

// Model returns the model identifier this provider is bound to.
func (p *Provider) Model() string { return p.model }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Stream         bool           `json:"stream"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

func (p *Provider) buildBody(req llm.CompletionRequest) ([]byte, error) {
	wr := wireRequest{
		Model:  p.model,
		Stream: true,
	}
	if req.SystemPrompt != "" {
		wr.Messages = append(wr.Messages, wireMessage{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wr.Temperature = &t
	}
	if req.TopP != 0 {
		tp := req.TopP
		wr.TopP = &tp
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		wr.MaxTokens = &mt
	}
	if req.JSONMode {
		wr.ResponseFormat = map[string]any{"type": "json_object"}
	}
	return json.Marshal(wr)
}

// StreamCompletion implements llm.Provider. Connection failures and non-2xx
// statuses are returned directly; read failures after the first byte arrive
// as an in-band error chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("sse: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sse: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	switch p.auth {
	case AuthBearer:
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	case AuthHeader:
		httpReq.Header.Set(p.authHeader, p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sse: send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		dec := NewDecoder(resp.Body)
		for dec.Next() {
			d := dec.Delta()
			select {
			case ch <- llm.Chunk{Text: d.Content, Reasoning: d.Reasoning, FinishReason: d.FinishReason}:
			case <-ctx.Done():
				return
			}
		}
		if n := dec.Skipped(); n > 0 {
			slog.Debug("sse: skipped malformed frames", "model", p.model, "count", n)
		}

		err := dec.Err()
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case ch <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider by draining a stream.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Drain(ctx, ch)
}

var _ llm.Provider = (*Provider)(nil)
