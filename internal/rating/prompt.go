package rating

import (
	"fmt"
	"strings"

	"github.com/MrWong99/colloquy/internal/assess"
)

const responseSchema = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score":   {"type": "number"},
		"comment": {"type": ["string", "null"]}
	}
}`

type wireRating struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment"`
}

// harshnessTone turns the numeric harshness into prompt framing.
func harshnessTone(h int) string {
	switch {
	case h <= 3:
		return "You are lenient and focus on what went well."
	case h <= 7:
		return "You are balanced and weigh strengths against weaknesses."
	default:
		return "You are exacting and penalise every flaw you notice."
	}
}

func buildSystemPrompt(e Expert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert in %s.", e.Field)
	if e.Name != "" {
		fmt.Fprintf(&b, " Your name is %s.", e.Name)
	}
	fmt.Fprintf(&b, "\nBackground: %s\n", e.Portfolio)
	fmt.Fprintf(&b, "Harshness: %d/10. %s\n\n", e.Harshness, harshnessTone(e.Harshness))
	b.WriteString("Rate how well the assistant handled the conversation below on a scale from 0 to 10. ")
	b.WriteString(`Answer with a single JSON object of the form {"score": <number 0-10>, "comment": "<one paragraph>"} and nothing else.`)
	return b.String()
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	if req.Scene != "" {
		fmt.Fprintf(&b, "Scene: %s\n\n", req.Scene)
	}
	if req.IncludeSystemPrompt && req.SubjectPrompt != "" {
		fmt.Fprintf(&b, "The assistant was instructed with this system prompt:\n%s\n\n", req.SubjectPrompt)
	}
	b.WriteString("Conversation:\n")
	for _, l := range req.Transcript.Lines() {
		fmt.Fprintf(&b, "[%d] %s: %s\n", l.ID, l.Role, l.Content)
	}
	b.WriteString("\nIssues found by the reviewer:\n")
	b.WriteString(defectDigest(req.Defects))
	return b.String()
}

// defectDigest renders a report as plain text, one line per defect.
func defectDigest(r *assess.Report) string {
	if r.Total() == 0 {
		return "none\n"
	}
	var b strings.Builder
	for _, sev := range assess.Severities() {
		for _, d := range r.Bucket(sev) {
			fmt.Fprintf(&b, "- [%s] %s", sev, d.Name)
			if d.Location.TurnID != 0 {
				fmt.Fprintf(&b, " (turn %d)", d.Location.TurnID)
			}
			fmt.Fprintf(&b, ": %s\n", d.Explanation)
		}
	}
	return b.String()
}
