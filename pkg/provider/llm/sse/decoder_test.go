package sse

import (
	"strings"
	"testing"
)

func collect(t *testing.T, input string) ([]Delta, *Decoder) {
	t.Helper()
	dec := NewDecoder(strings.NewReader(input))
	var out []Delta
	for dec.Next() {
		out = append(out, dec.Delta())
	}
	return out, dec
}

func TestDecoder_ContentAndSentinel(t *testing.T) {
	t.Parallel()

	input := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"after\"}}]}\n\n"

	got, dec := collect(t, input)
	if len(got) != 2 {
		t.Fatalf("got %d deltas, want 2", len(got))
	}
	if got[0].Content+got[1].Content != "Hello" {
		t.Errorf("content = %q, want %q", got[0].Content+got[1].Content, "Hello")
	}
	if !dec.Done() {
		t.Error("Done() = false after sentinel")
	}
	if err := dec.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestDecoder_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	input := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: {not json\n" +
		": keep-alive comment\n" +
		"event: message\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n" +
		"data: [DONE]\n"

	got, dec := collect(t, input)
	if len(got) != 2 {
		t.Fatalf("got %d deltas, want 2", len(got))
	}
	if dec.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", dec.Skipped())
	}
	if dec.Err() != nil {
		t.Errorf("Err() = %v, want nil", dec.Err())
	}
}

func TestDecoder_ReasoningSideChannel(t *testing.T) {
	t.Parallel()

	input := "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"think\"}}]}\r\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"answer\"},\"finish_reason\":\"stop\"}]}\r\n" +
		"data: [DONE]\r\n"

	got, _ := collect(t, input)
	if len(got) != 2 {
		t.Fatalf("got %d deltas, want 2", len(got))
	}
	if got[0].Reasoning != "think" || got[0].Content != "" {
		t.Errorf("first delta = %+v, want reasoning only", got[0])
	}
	if got[1].Content != "answer" || got[1].FinishReason != "stop" {
		t.Errorf("second delta = %+v", got[1])
	}
}

func TestDecoder_EmptyChoicesIgnored(t *testing.T) {
	t.Parallel()

	input := "data: {\"choices\":[]}\n" +
		"data: {\"choices\":[{\"delta\":{}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"

	got, dec := collect(t, input)
	if len(got) != 1 {
		t.Fatalf("got %d deltas, want 1", len(got))
	}
	if dec.Skipped() != 0 {
		t.Errorf("Skipped() = %d, want 0", dec.Skipped())
	}
	if dec.Done() {
		t.Error("Done() = true without sentinel")
	}
}

func TestDecoder_UpstreamError(t *testing.T) {
	t.Parallel()

	input := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n" +
		"data: {\"error\":{\"message\":\"overloaded\"}}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"y\"}}]}\n"

	got, dec := collect(t, input)
	if len(got) != 1 {
		t.Fatalf("got %d deltas, want 1", len(got))
	}
	if dec.Err() == nil || !strings.Contains(dec.Err().Error(), "overloaded") {
		t.Errorf("Err() = %v, want upstream error", dec.Err())
	}
}
