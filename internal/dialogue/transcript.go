// Package dialogue drives a two-party conversation between a "subject" and a
// "counterpart" model until a termination policy fires.
//
// The subject always plays the assistant role and the counterpart the user
// role. Both are served by the same provider; the counterpart simply sees the
// conversation with roles swapped so that, from its point of view, it is the
// assistant. The session is seeded with a fixed user message, so transcripts
// always start with a user turn and alternate strictly from there.
//
// Turns are streamed: callers observe each turn's deltas through
// [Callbacks] while the [Generator] accumulates them into the [Transcript].
// A turn's reasoning side channel is recorded but never leaves the package
// through [Transcript.Lines], the view the evaluation stages consume.
package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role is the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleUser {
		return RoleAssistant
	}
	return RoleUser
}

// Turn is one message attributed to a single role.
type Turn struct {
	// ID is monotonic within a transcript and derived from the wall clock in
	// milliseconds.
	ID   int64 `json:"id"`
	Role Role  `json:"role"`

	// Content is the visible text. While streaming it grows with every delta.
	Content string `json:"content"`

	// Reasoning holds the model's reasoning side channel, if it has one.
	Reasoning string `json:"reasoning,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// FirstToken is the offset from StartedAt to the first visible delta.
	// Zero if none arrived.
	FirstToken time.Duration `json:"first_token,omitempty"`

	// Partial marks a turn cut short by cancellation.
	Partial bool `json:"partial,omitempty"`

	// Failed marks a turn whose content was replaced with [ErrorMarker].
	Failed bool `json:"failed,omitempty"`
}

// Line is the evaluation view of a turn: identity, speaker and visible text.
type Line struct {
	ID      int64  `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ErrNotAlternating is returned when turns do not alternate starting with
// the user role.
var ErrNotAlternating = errors.New("dialogue: turns must alternate starting with user")

// Transcript is the ordered, role-alternating turn sequence of one session.
// It is appended to only by the [Generator] that owns it and is read-only
// for everyone else.
type Transcript struct {
	turns  []Turn
	lastID int64
}

// NewTranscript builds a transcript from finished turns, for callers that
// restore or construct one outside a session. IDs must be strictly
// increasing.
func NewTranscript(turns ...Turn) (*Transcript, error) {
	t := &Transcript{}
	for _, turn := range turns {
		if err := t.append(turn); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.turns)
}

// Turns returns a copy of all turns in append order.
func (t *Transcript) Turns() []Turn {
	if t == nil {
		return nil
	}
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Last returns the most recent turn.
func (t *Transcript) Last() (Turn, bool) {
	if t.Len() == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}

// LastOf returns the most recent turn spoken by role.
func (t *Transcript) LastOf(role Role) (Turn, bool) {
	for i := t.Len() - 1; i >= 0; i-- {
		if t.turns[i].Role == role {
			return t.turns[i], true
		}
	}
	return Turn{}, false
}

// Lines returns the evaluation view of the transcript. Reasoning and timing
// are omitted.
func (t *Transcript) Lines() []Line {
	out := make([]Line, 0, t.Len())
	for i := range t.Len() {
		turn := t.turns[i]
		out = append(out, Line{ID: turn.ID, Role: turn.Role, Content: turn.Content})
	}
	return out
}

// nextID returns a turn ID that is both >= now in milliseconds and strictly
// greater than every ID handed out before.
func (t *Transcript) nextID(now time.Time) int64 {
	id := now.UnixMilli()
	if id <= t.lastID {
		id = t.lastID + 1
	}
	t.lastID = id
	return id
}

func (t *Transcript) append(turn Turn) error {
	want := RoleUser
	if last, ok := t.Last(); ok {
		want = last.Role.Other()
		if turn.ID <= last.ID {
			return fmt.Errorf("dialogue: turn id %d not after %d", turn.ID, last.ID)
		}
	}
	if turn.Role != want {
		return fmt.Errorf("%w: turn %d is %q, want %q", ErrNotAlternating, len(t.turns), turn.Role, want)
	}
	t.turns = append(t.turns, turn)
	if turn.ID > t.lastID {
		t.lastID = turn.ID
	}
	return nil
}

// MarshalJSON encodes the transcript as a JSON array of turns.
func (t *Transcript) MarshalJSON() ([]byte, error) {
	if t == nil || t.turns == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.turns)
}

// UnmarshalJSON decodes a JSON array of turns, enforcing alternation.
func (t *Transcript) UnmarshalJSON(data []byte) error {
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return err
	}
	restored, err := NewTranscript(turns...)
	if err != nil {
		return err
	}
	*t = *restored
	return nil
}
