package pool

import (
	"time"

	"github.com/MrWong99/colloquy/internal/assess"
	"github.com/MrWong99/colloquy/internal/pipeline"
)

// Status is the terminal status of one submission.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

// Outcome is the record the pool emits for every submission.
type Outcome struct {
	SampleID string `json:"sample_id"`
	Model    string `json:"model"`
	Status   Status `json:"status"`

	// Error holds the failure message when Status is [StatusError].
	Error string `json:"error,omitempty"`

	// Defects lists defect names per normalised severity.
	Defects map[assess.Severity][]string `json:"defects"`
	Counts  map[assess.Severity]int      `json:"counts"`

	// FinalScore is nil unless rating finished.
	FinalScore *float64 `json:"final_score,omitempty"`

	Latency   time.Duration `json:"latency"`
	StartedAt time.Time     `json:"started_at"`

	// Artifacts is the bundle carried by the terminal event. Nil for
	// submissions aborted before they were admitted.
	Artifacts *pipeline.Bundle `json:"artifacts,omitempty"`
}

func emptyOutcome(sub Submission, status Status) Outcome {
	o := Outcome{
		SampleID: sub.SampleID,
		Model:    sub.Model,
		Status:   status,
		Defects:  make(map[assess.Severity][]string, 4),
		Counts:   make(map[assess.Severity]int, 4),
	}
	for _, sev := range assess.Severities() {
		o.Defects[sev] = []string{}
		o.Counts[sev] = 0
	}
	return o
}

// fromEvent builds the outcome of an admitted submission from its terminal
// event.
func fromEvent(sub Submission, ev pipeline.Event, started, ended time.Time) Outcome {
	var status Status
	switch ev.Kind {
	case pipeline.EventComplete:
		status = StatusCompleted
	case pipeline.EventAbort:
		status = StatusAborted
	default:
		status = StatusError
	}
	o := emptyOutcome(sub, status)
	if status == StatusError && ev.Err != nil {
		o.Error = ev.Err.Error()
	}
	o.StartedAt = started
	o.Latency = ended.Sub(started)
	o.Artifacts = ev.Bundle

	if b := ev.Bundle; b != nil {
		for _, d := range b.Defects.All() {
			sev := assess.NormalizeSeverity(string(d.Severity))
			o.Defects[sev] = append(o.Defects[sev], d.Name)
			o.Counts[sev]++
		}
		if b.Ratings != nil {
			score := b.Ratings.FinalScore
			o.FinalScore = &score
		}
	}
	return o
}

// Summary folds a batch of outcomes into counts for display.
type Summary struct {
	Total     int
	Completed int
	Aborted   int
	Errored   int

	// Scored is the number of outcomes with a final score, and MeanScore
	// their mean. MeanScore is 0 when Scored is 0.
	Scored    int
	MeanScore float64

	// Defects totals defect counts per severity across all outcomes.
	Defects map[assess.Severity]int
}

// Summarize folds outcomes into a [Summary].
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes), Defects: make(map[assess.Severity]int, 4)}
	var sum float64
	for _, o := range outcomes {
		switch o.Status {
		case StatusCompleted:
			s.Completed++
		case StatusAborted:
			s.Aborted++
		default:
			s.Errored++
		}
		if o.FinalScore != nil {
			s.Scored++
			sum += *o.FinalScore
		}
		for sev, n := range o.Counts {
			s.Defects[sev] += n
		}
	}
	if s.Scored > 0 {
		s.MeanScore = sum / float64(s.Scored)
	}
	return s
}
