package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{llm.RoleSystem, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("convertMessage(%q): OfSystem=%v err=%v", m.Role, p.OfSystem, err)
			}
		}},
		{llm.RoleUser, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("convertMessage(%q): OfUser=%v err=%v", m.Role, p.OfUser, err)
			}
		}},
		{llm.RoleAssistant, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("convertMessage(%q): OfAssistant=%v err=%v", m.Role, p.OfAssistant, err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			tt.check(t, llm.Message{Role: tt.role, Content: "hello"})
		})
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be terse",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
		Temperature:  0.7,
		TopP:         0.9,
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if got := len(params.Messages); got != 2 {
		t.Fatalf("len(Messages) = %d, want 2", got)
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if got := params.Temperature.Value; got != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", got)
	}
	if got := params.TopP.Value; got != 0.9 {
		t.Errorf("TopP = %v, want 0.9", got)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("JSONMode should set the json_object response format")
	}
}

func TestReasoningContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{`{"content":"a","reasoning_content":"thinking"}`, "thinking"},
		{`{"content":"a"}`, ""},
		{`not json`, ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := reasoningContent(tt.raw); got != tt.want {
			t.Errorf("reasoningContent(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestStreamCompletion_ReasoningSideChannel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"reasoning_content":"hmm"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("sk-test", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	resp, err := llm.Drain(context.Background(), ch)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello")
	}
	if resp.Reasoning != "hmm" {
		t.Errorf("Reasoning = %q, want %q", resp.Reasoning, "hmm")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://custom.example.com"), WithOrganization("org-123")); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}
