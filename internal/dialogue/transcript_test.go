package dialogue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTranscript_NextIDMonotonic(t *testing.T) {
	t.Parallel()

	tr := &Transcript{}
	now := time.UnixMilli(5_000)

	a := tr.nextID(now)
	b := tr.nextID(now)
	c := tr.nextID(now.Add(-time.Second))
	d := tr.nextID(now.Add(time.Second))

	if a != 5_000 {
		t.Errorf("first id = %d, want 5000", a)
	}
	if b != a+1 || c != b+1 {
		t.Errorf("ids under a stalled clock = %d, %d, %d; want consecutive", a, b, c)
	}
	if d != 6_000 {
		t.Errorf("id after clock advance = %d, want 6000", d)
	}
}

func TestNewTranscript_EnforcesAlternation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		turns   []Turn
		wantErr bool
	}{
		{"empty", nil, false},
		{"user first", []Turn{{ID: 1, Role: RoleUser}, {ID: 2, Role: RoleAssistant}}, false},
		{"assistant first", []Turn{{ID: 1, Role: RoleAssistant}}, true},
		{"repeated role", []Turn{{ID: 1, Role: RoleUser}, {ID: 2, Role: RoleUser}}, true},
		{"non-increasing id", []Turn{{ID: 2, Role: RoleUser}, {ID: 2, Role: RoleAssistant}}, true},
	}
	for _, tt := range tests {
		_, err := NewTranscript(tt.turns...)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}

	_, err := NewTranscript(Turn{ID: 1, Role: RoleAssistant})
	if !errors.Is(err, ErrNotAlternating) {
		t.Errorf("err = %v, want ErrNotAlternating", err)
	}
}

func TestTranscript_LinesAndLastOf(t *testing.T) {
	t.Parallel()

	tr, err := NewTranscript(
		Turn{ID: 1, Role: RoleUser, Content: "Hi"},
		Turn{ID: 2, Role: RoleAssistant, Content: "Hello", Reasoning: "greet back"},
		Turn{ID: 3, Role: RoleUser, Content: "Room please"},
	)
	if err != nil {
		t.Fatalf("NewTranscript: %v", err)
	}

	lines := tr.Lines()
	if len(lines) != 3 {
		t.Fatalf("len(Lines()) = %d, want 3", len(lines))
	}
	if lines[1] != (Line{ID: 2, Role: RoleAssistant, Content: "Hello"}) {
		t.Errorf("Lines()[1] = %+v", lines[1])
	}

	got, ok := tr.LastOf(RoleAssistant)
	if !ok || got.ID != 2 {
		t.Errorf("LastOf(assistant) = %+v, %v", got, ok)
	}

	turns := tr.Turns()
	turns[0].Content = "mutated"
	if tr.Turns()[0].Content != "Hi" {
		t.Error("Turns() exposed internal storage")
	}

	var nilTr *Transcript
	if nilTr.Len() != 0 || len(nilTr.Lines()) != 0 {
		t.Error("nil transcript is not empty")
	}
}

func TestTranscript_JSON(t *testing.T) {
	t.Parallel()

	tr, err := NewTranscript(
		Turn{ID: 10, Role: RoleUser, Content: "Hi"},
		Turn{ID: 11, Role: RoleAssistant, Content: "Hello", Partial: true},
	)
	if err != nil {
		t.Fatalf("NewTranscript: %v", err)
	}
	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Transcript
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Len() != 2 || !back.Turns()[1].Partial {
		t.Errorf("decoded = %+v", back.Turns())
	}

	if err := json.Unmarshal([]byte(`[{"id":1,"role":"assistant"}]`), &back); !errors.Is(err, ErrNotAlternating) {
		t.Errorf("Unmarshal(bad) err = %v, want ErrNotAlternating", err)
	}
	if data, _ := json.Marshal(&Transcript{}); string(data) != "[]" {
		t.Errorf("empty Marshal = %s, want []", data)
	}
}
