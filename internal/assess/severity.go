package assess

import "strings"

// Severity is the bucket a defect is reported in.
type Severity string

const (
	SeverityInform  Severity = "inform"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"

	// SeverityUnlisted collects issues that do not trace back to any known
	// mistake definition.
	SeverityUnlisted Severity = "unlisted"
)

// Severities lists every bucket in report order.
func Severities() []Severity {
	return []Severity{SeverityInform, SeverityWarning, SeverityError, SeverityUnlisted}
}

// NormalizeSeverity maps a free-form severity label onto a bucket. It is
// case-insensitive, ignores surrounding whitespace and never fails: "fatal"
// collapses into [SeverityError] and anything unrecognised, including the
// empty string, becomes [SeverityUnlisted].
func NormalizeSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inform":
		return SeverityInform
	case "warning":
		return SeverityWarning
	case "error", "fatal":
		return SeverityError
	default:
		return SeverityUnlisted
	}
}

// Mistake is a known rule violation the assessor looks for.
type Mistake struct {
	Name string `yaml:"name" json:"name"`

	// Severity is the label as written in the mistake list. Use [Mistake.Level]
	// for the bucket.
	Severity string `yaml:"severity" json:"severity"`

	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description"`
	Examples    []string `yaml:"examples" json:"examples,omitempty"`
}

// Level returns the normalised severity bucket of m.
func (m Mistake) Level() Severity {
	return NormalizeSeverity(m.Severity)
}
