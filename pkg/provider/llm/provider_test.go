package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/colloquy/pkg/provider/llm"
)

func feed(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestDrain(t *testing.T) {
	t.Parallel()

	resp, err := llm.Drain(context.Background(), feed(
		llm.Chunk{Reasoning: "let me think"},
		llm.Chunk{Text: "Hello, "},
		llm.Chunk{Text: "world", FinishReason: "stop"},
	))
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if resp.Content != "Hello, world" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello, world")
	}
	if resp.Reasoning != "let me think" {
		t.Errorf("Reasoning = %q, want %q", resp.Reasoning, "let me think")
	}
}

func TestDrain_InBandError(t *testing.T) {
	t.Parallel()

	_, err := llm.Drain(context.Background(), feed(
		llm.Chunk{Text: "partial"},
		llm.Chunk{FinishReason: llm.FinishReasonError, Text: "connection reset"},
	))
	var se *llm.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *llm.StreamError", err)
	}
	if se.Message != "connection reset" {
		t.Errorf("Message = %q, want %q", se.Message, "connection reset")
	}
}

func TestDrain_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan llm.Chunk)
	if _, err := llm.Drain(ctx, ch); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestChunkErr(t *testing.T) {
	t.Parallel()

	if err := (llm.Chunk{Text: "x", FinishReason: "stop"}).Err(); err != nil {
		t.Errorf("regular chunk Err() = %v, want nil", err)
	}
	if err := (llm.Chunk{FinishReason: llm.FinishReasonError, Text: "boom"}).Err(); err == nil {
		t.Error("error chunk Err() = nil, want error")
	}
}
