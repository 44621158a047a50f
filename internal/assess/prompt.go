package assess

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/colloquy/internal/dialogue"
)

// responseSchema describes the object the assessor model must return. Every
// bucket is optional; absent buckets decode as empty.
const responseSchema = `{
	"type": "object",
	"properties": {
		"inform":   {"$ref": "#/$defs/bucket"},
		"warning":  {"$ref": "#/$defs/bucket"},
		"error":    {"$ref": "#/$defs/bucket"},
		"unlisted": {"$ref": "#/$defs/bucket"}
	},
	"$defs": {
		"bucket": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"name":        {"type": ["string", "null"]},
					"turn_id":     {"type": ["integer", "string", "null"]},
					"quote":       {"type": ["string", "null"]},
					"explanation": {"type": ["string", "null"]}
				}
			}
		}
	}
}`

// wireReport is the JSON shape of a model response.
type wireReport struct {
	Inform   []wireDefect `json:"inform"`
	Warning  []wireDefect `json:"warning"`
	Error    []wireDefect `json:"error"`
	Unlisted []wireDefect `json:"unlisted"`
}

type wireDefect struct {
	Name        string `json:"name"`
	TurnID      turnID `json:"turn_id"`
	Quote       string `json:"quote"`
	Explanation string `json:"explanation"`
}

// turnID accepts a turn reference as a number or a numeric string. Anything
// else decodes as zero, the "unresolved" location.
type turnID int64

func (id *turnID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		*id = 0
		return nil
	}
	v, err := n.Int64()
	if err != nil {
		*id = 0
		return nil
	}
	*id = turnID(v)
	return nil
}

// payload is the user message sent to the assessor model.
type payload struct {
	Scene      string          `json:"scene,omitempty"`
	Transcript []dialogue.Line `json:"transcript"`
	Mistakes   []Mistake       `json:"mistakes"`
}

func buildSystemPrompt(mistakes []Mistake, includeUnlisted bool) string {
	var b strings.Builder
	b.WriteString("You review a conversation between a user and an assistant and report every rule violation the assistant commits.\n\n")
	b.WriteString("Answer with a single JSON object and nothing else. It has four arrays:\n")
	b.WriteString(`  "inform"   - minor issues worth noting` + "\n")
	b.WriteString(`  "warning"  - issues that degrade the conversation` + "\n")
	b.WriteString(`  "error"    - serious violations, including anything marked fatal` + "\n")
	if includeUnlisted {
		b.WriteString(`  "unlisted" - real problems that match none of the known mistakes` + "\n")
	} else {
		b.WriteString(`  "unlisted" - always empty` + "\n")
	}
	b.WriteString("\nEach array item is an object with these fields:\n")
	b.WriteString(`  "name": the mistake name exactly as defined below` + "\n")
	b.WriteString(`  "turn_id": the id of the turn where it happens` + "\n")
	b.WriteString(`  "quote": the offending text, copied verbatim` + "\n")
	b.WriteString(`  "explanation": why it is a violation` + "\n")
	b.WriteString("\nPut each defect in the bucket that matches its mistake's severity. Report nothing you cannot quote.\n")

	if len(mistakes) > 0 {
		b.WriteString("\nKnown mistakes:\n")
		for _, m := range mistakes {
			fmt.Fprintf(&b, "- %s [%s]", m.Name, m.Level())
			if m.Type != "" {
				fmt.Fprintf(&b, " (%s)", m.Type)
			}
			if m.Description != "" {
				fmt.Fprintf(&b, ": %s", m.Description)
			}
			b.WriteByte('\n')
			for _, ex := range m.Examples {
				fmt.Fprintf(&b, "    example: %s\n", ex)
			}
		}
	}
	return b.String()
}

func buildUserPayload(lines []dialogue.Line, scene string, mistakes []Mistake) (string, error) {
	if mistakes == nil {
		mistakes = []Mistake{}
	}
	data, err := json.Marshal(payload{Scene: scene, Transcript: lines, Mistakes: mistakes})
	if err != nil {
		return "", fmt.Errorf("assess: encode payload: %w", err)
	}
	return string(data), nil
}
