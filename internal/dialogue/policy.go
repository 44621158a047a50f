package dialogue

import (
	"fmt"
	"regexp"
	"strconv"
)

// PolicyKind tags the variant of a [Policy].
type PolicyKind int

const (
	// KindRoundLimit stops after a fixed number of rounds.
	KindRoundLimit PolicyKind = iota + 1
	// KindAssistantPattern stops once an assistant turn matches a pattern.
	KindAssistantPattern
	// KindUserPattern stops once a user turn matches a pattern.
	KindUserPattern
)

// Config names of the policy kinds, as used in presets.
const (
	PolicyRounds         = "rounds"
	PolicyAssistantRegex = "assistantRegex"
	PolicyUserRegex      = "userRegex"
)

func (k PolicyKind) String() string {
	switch k {
	case KindRoundLimit:
		return PolicyRounds
	case KindAssistantPattern:
		return PolicyAssistantRegex
	case KindUserPattern:
		return PolicyUserRegex
	default:
		return "unknown"
	}
}

// Policy decides when a session stops producing turns. The zero value is
// invalid; use [RoundLimit], [AssistantPattern], [UserPattern] or
// [ParsePolicy].
type Policy struct {
	kind    PolicyKind
	rounds  int
	pattern *regexp.Regexp
}

// RoundLimit stops the session once floor(len/2) >= n. Since the check runs
// right after every append, it fires after the n-th assistant turn and the
// transcript has exactly 2n turns.
func RoundLimit(n int) Policy {
	return Policy{kind: KindRoundLimit, rounds: n}
}

// AssistantPattern stops the session as soon as the latest assistant turn
// matches re.
func AssistantPattern(re *regexp.Regexp) Policy {
	return Policy{kind: KindAssistantPattern, pattern: re}
}

// UserPattern stops the session as soon as the latest generated user turn
// matches re.
func UserPattern(re *regexp.Regexp) Policy {
	return Policy{kind: KindUserPattern, pattern: re}
}

// ParsePolicy builds a policy from its preset form, for example
// ("rounds", "3") or ("assistantRegex", `(?i)goodbye`).
func ParsePolicy(kind, value string) (Policy, error) {
	switch kind {
	case PolicyRounds:
		n, err := strconv.Atoi(value)
		if err != nil {
			return Policy{}, fmt.Errorf("dialogue: rounds %q: %w", value, err)
		}
		p := RoundLimit(n)
		return p, p.Validate()
	case PolicyAssistantRegex, PolicyUserRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return Policy{}, fmt.Errorf("dialogue: %s: %w", kind, err)
		}
		if kind == PolicyAssistantRegex {
			return AssistantPattern(re), nil
		}
		return UserPattern(re), nil
	default:
		return Policy{}, fmt.Errorf("dialogue: unknown end condition type %q", kind)
	}
}

// Kind returns the variant tag.
func (p Policy) Kind() PolicyKind { return p.kind }

// Rounds returns the round limit of a [KindRoundLimit] policy.
func (p Policy) Rounds() int { return p.rounds }

// Pattern returns the expression of a pattern policy.
func (p Policy) Pattern() *regexp.Regexp { return p.pattern }

// Validate reports whether p can be evaluated.
func (p Policy) Validate() error {
	switch p.kind {
	case KindRoundLimit:
		if p.rounds < 1 {
			return fmt.Errorf("dialogue: round limit must be >= 1, got %d", p.rounds)
		}
	case KindAssistantPattern, KindUserPattern:
		if p.pattern == nil {
			return fmt.Errorf("dialogue: %s policy without a pattern", p.kind)
		}
	default:
		return fmt.Errorf("dialogue: termination policy not set")
	}
	return nil
}

// Satisfied reports whether the session owning t should stop.
func (p Policy) Satisfied(t *Transcript) bool {
	switch p.kind {
	case KindRoundLimit:
		return t.Len()/2 >= p.rounds
	case KindAssistantPattern:
		return p.lastMatches(t, RoleAssistant)
	case KindUserPattern:
		return p.lastMatches(t, RoleUser)
	default:
		return false
	}
}

// lastMatches looks only at the most recent turn. Satisfied runs after every
// generated append, so an earlier turn of role was already checked when it
// was appended; the seeded first message is never checked.
func (p Policy) lastMatches(t *Transcript, role Role) bool {
	turn, ok := t.Last()
	return ok && turn.Role == role && t.Len() > 1 && p.pattern.MatchString(turn.Content)
}

func (p Policy) String() string {
	switch p.kind {
	case KindRoundLimit:
		return fmt.Sprintf("%s(%d)", p.kind, p.rounds)
	case KindAssistantPattern, KindUserPattern:
		if p.pattern == nil {
			return p.kind.String() + "(<nil>)"
		}
		return fmt.Sprintf("%s(%s)", p.kind, p.pattern)
	default:
		return "unset"
	}
}
