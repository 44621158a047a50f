package dialogue

import (
	"regexp"
	"testing"
	"time"
)

func buildTranscript(t *testing.T, contents ...string) *Transcript {
	t.Helper()
	tr := &Transcript{}
	role := RoleUser
	now := time.UnixMilli(1_000)
	for _, c := range contents {
		if err := tr.append(Turn{ID: tr.nextID(now), Role: role, Content: c}); err != nil {
			t.Fatalf("append: %v", err)
		}
		role = role.Other()
	}
	return tr
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind, value string
		wantKind    PolicyKind
		wantErr     bool
	}{
		{"rounds", "3", KindRoundLimit, false},
		{"rounds", "0", KindRoundLimit, true},
		{"rounds", "-2", KindRoundLimit, true},
		{"rounds", "three", 0, true},
		{"assistantRegex", `(?i)goodbye`, KindAssistantPattern, false},
		{"userRegex", `thanks\b`, KindUserPattern, false},
		{"userRegex", `(unclosed`, 0, true},
		{"turns", "3", 0, true},
	}
	for _, tt := range tests {
		p, err := ParsePolicy(tt.kind, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q, %q) err = %v, wantErr %v", tt.kind, tt.value, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && p.Kind() != tt.wantKind {
			t.Errorf("ParsePolicy(%q, %q).Kind() = %v, want %v", tt.kind, tt.value, p.Kind(), tt.wantKind)
		}
	}
}

func TestPolicy_RoundLimitSatisfied(t *testing.T) {
	t.Parallel()

	p := RoundLimit(2)
	tests := []struct {
		turns int
		want  bool
	}{
		{1, false},
		{2, false},
		{3, false},
		{4, true},
	}
	for _, tt := range tests {
		contents := make([]string, tt.turns)
		for i := range contents {
			contents[i] = "x"
		}
		if got := p.Satisfied(buildTranscript(t, contents...)); got != tt.want {
			t.Errorf("RoundLimit(2).Satisfied(%d turns) = %v, want %v", tt.turns, got, tt.want)
		}
	}
}

func TestPolicy_PatternLooksAtLatestTurnOnly(t *testing.T) {
	t.Parallel()

	re := regexp.MustCompile(`(?i)bye`)

	// An assistant match that has already been passed does not fire again.
	tr := buildTranscript(t, "hi", "Bye!", "wait")
	if AssistantPattern(re).Satisfied(tr) {
		t.Error("AssistantPattern fired on an older turn")
	}
	if !AssistantPattern(re).Satisfied(buildTranscript(t, "hi", "Bye!")) {
		t.Error("AssistantPattern did not fire on the latest assistant turn")
	}
	if UserPattern(re).Satisfied(tr) {
		t.Error("UserPattern fired on a non-matching turn")
	}
	if !UserPattern(re).Satisfied(buildTranscript(t, "hi", "hello", "ok bye")) {
		t.Error("UserPattern did not fire on the latest user turn")
	}
	if UserPattern(re).Satisfied(buildTranscript(t, "bye")) {
		t.Error("UserPattern fired on the seeded message")
	}
}

func TestPolicy_ValidateZeroValue(t *testing.T) {
	t.Parallel()

	var p Policy
	if err := p.Validate(); err == nil {
		t.Error("zero Policy.Validate() = nil, want error")
	}
	if p.Satisfied(buildTranscript(t, "a", "b")) {
		t.Error("zero Policy.Satisfied() = true")
	}
	if got := p.String(); got != "unset" {
		t.Errorf("String() = %q, want %q", got, "unset")
	}
	if err := AssistantPattern(nil).Validate(); err == nil {
		t.Error("AssistantPattern(nil).Validate() = nil, want error")
	}
}

func TestPolicy_String(t *testing.T) {
	t.Parallel()

	if got := RoundLimit(3).String(); got != "rounds(3)" {
		t.Errorf("String() = %q", got)
	}
	if got := UserPattern(regexp.MustCompile(`done`)).String(); got != "userRegex(done)" {
		t.Errorf("String() = %q", got)
	}
}
