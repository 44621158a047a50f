package pipeline

import (
	"time"

	"github.com/MrWong99/colloquy/internal/dialogue"
)

// EventKind names an observable pipeline event.
type EventKind string

const (
	// EventStreamStart fires when the first turn of the dialogue begins.
	EventStreamStart EventKind = "stream-start"

	// EventStreamRoleSwitch fires whenever a later turn begins, which is
	// always a change of speaker.
	EventStreamRoleSwitch EventKind = "stream-role-switch"

	// EventStreamChunk carries one visible delta.
	EventStreamChunk EventKind = "stream-chunk"

	// EventStreamEnd fires once when dialogue generation stops, for whatever
	// reason.
	EventStreamEnd EventKind = "stream-end"

	// EventStageChange reports a state transition.
	EventStageChange EventKind = "stage-change"

	// EventEvalUpdate reports progress of an evaluation stage.
	EventEvalUpdate EventKind = "eval-update"

	// Terminal events. Exactly one of them fires per run.
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
	EventAbort    EventKind = "abort"
)

// Terminal reports whether k ends a run.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError || k == EventAbort
}

// EvalStage names an evaluation stage in an [EventEvalUpdate].
type EvalStage string

const (
	EvalAssessment EvalStage = "assessment"
	EvalRating     EvalStage = "rating"
)

// EvalStatus is the progress reported in an [EventEvalUpdate].
type EvalStatus string

const (
	EvalStarted   EvalStatus = "started"
	EvalCompleted EvalStatus = "completed"
	EvalFailed    EvalStatus = "failed"
)

// Event is one notification from an [Orchestrator]. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind     EventKind
	Pipeline string
	At       time.Time

	// Stream events.
	TurnID int64
	Role   dialogue.Role
	Delta  string

	// EventStageChange.
	From State
	To   State

	// EventEvalUpdate.
	Stage  EvalStage
	Status EvalStatus

	// Bundle is set on terminal events and on EventStreamEnd. On abort and
	// error it holds whatever artifacts were produced.
	Bundle *Bundle

	// Err is set on EventError, on EventAbort and on failed eval updates.
	Err error
}
