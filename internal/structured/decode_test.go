package structured

import (
	"testing"
)

const verdictSchema = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "number"},
		"comment": {"type": "string"}
	}
}`

type verdict struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment"`
}

func TestDecode(t *testing.T) {
	t.Parallel()

	d := MustDecoder[verdict]("verdict.json", verdictSchema)

	tests := []struct {
		name    string
		raw     string
		want    Failure
		wantVal verdict
	}{
		{"plain", `{"score": 7.5, "comment": "fine"}`, FailureNone, verdict{7.5, "fine"}},
		{"fenced json", "```json\n{\"score\": 3}\n```", FailureNone, verdict{Score: 3}},
		{"fenced bare", "```\n{\"score\": 4, \"comment\": \"ok\"}\n```", FailureNone, verdict{4, "ok"}},
		{"fence on one line", "```{\"score\": 2}```", FailureNone, verdict{Score: 2}},
		{"surrounding whitespace", "\n\t {\"score\": 1}  \n", FailureNone, verdict{Score: 1}},
		{"empty", "   ", FailureEmpty, verdict{}},
		{"empty fence", "```json\n```", FailureEmpty, verdict{}},
		{"prose", "I would rate this a 7.", FailureSyntax, verdict{}},
		{"truncated", `{"score": 7`, FailureSyntax, verdict{}},
		{"two objects", `{"score": 1} {"score": 2}`, FailureTrailingData, verdict{}},
		{"trailing prose", `{"score": 1} hope this helps`, FailureTrailingData, verdict{}},
		{"array", `[{"score": 1}]`, FailureNotObject, verdict{}},
		{"string", `"7"`, FailureNotObject, verdict{}},
		{"missing required", `{"comment": "no score"}`, FailureSchema, verdict{}},
		{"wrong type", `{"score": "seven"}`, FailureSchema, verdict{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := d.Decode(tt.raw)
			if got.Failure != tt.want {
				t.Fatalf("Failure = %v, want %v (err: %v)", got.Failure, tt.want, got.Err)
			}
			if got.OK != (tt.want == FailureNone) {
				t.Errorf("OK = %v with Failure %v", got.OK, got.Failure)
			}
			if !got.OK && got.Err == nil {
				t.Error("Err = nil on failure")
			}
			if got.Value != tt.wantVal {
				t.Errorf("Value = %+v, want %+v", got.Value, tt.wantVal)
			}
		})
	}
}

func TestDecode_TypeMismatchAfterSchema(t *testing.T) {
	t.Parallel()

	// The schema allows any type for "score"; the Go type does not.
	d := MustDecoder[verdict]("loose.json", `{"type": "object"}`)
	got := d.Decode(`{"score": [1, 2]}`)
	if got.Failure != FailureType {
		t.Errorf("Failure = %v, want %v", got.Failure, FailureType)
	}
}

func TestNewDecoder_InvalidSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewDecoder[verdict]("bad.json", `{"type": `); err == nil {
		t.Error("NewDecoder(malformed) = nil error")
	}
	if _, err := NewDecoder[verdict]("bad-type.json", `{"type": "nonsense"}`); err == nil {
		t.Error("NewDecoder(invalid type keyword) = nil error")
	}
}

func TestFailure_String(t *testing.T) {
	t.Parallel()

	tests := map[Failure]string{
		FailureNone:         "none",
		FailureEmpty:        "empty",
		FailureSyntax:       "syntax",
		FailureTrailingData: "trailing_data",
		FailureNotObject:    "not_object",
		FailureSchema:       "schema",
		FailureType:         "type",
		Failure(42):         "failure(42)",
	}
	for f, want := range tests {
		if got := f.String(); got != want {
			t.Errorf("Failure(%d).String() = %q, want %q", int(f), got, want)
		}
	}
}
