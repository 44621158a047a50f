// Package rating scores a transcript with a panel of simulated experts.
//
// Every [Expert] on the panel gets its own JSON-mode request and returns a
// score in [0,10] with a comment. The [Engine] fans the requests out
// concurrently, keeps the ratings in panel order and reduces them to a single
// weighted average where each expert's harshness is its weight.
package rating

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// MinScore and MaxScore bound every expert score.
	MinScore = 0.0
	MaxScore = 10.0

	// FallbackScore is assigned when an expert's answer cannot be decoded.
	FallbackScore = 5.0

	// FallbackComment accompanies [FallbackScore].
	FallbackComment = "Rating unavailable: the expert response could not be parsed. A neutral score was assigned."
)

// ErrInvalidPanel is returned by [Engine.Rate] before any request when the
// panel is empty or an expert is incomplete.
var ErrInvalidPanel = errors.New("rating: invalid expert panel")

var validate = newValidator()

// newValidator returns a validator with a "notblank" rule that rejects
// strings made only of whitespace, which "required" lets through.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Expert is one simulated reviewer on the panel.
type Expert struct {
	Name string `yaml:"name" json:"name"`

	// Field is the expert's specialisation, e.g. "hospitality".
	Field string `yaml:"field" json:"field" validate:"notblank"`

	// Portfolio describes the expert's background and is quoted in the prompt.
	Portfolio string `yaml:"portfolio" json:"portfolio" validate:"notblank"`

	// Harshness in [1,10] is both the framing of the prompt and the weight of
	// the expert's score.
	Harshness int `yaml:"harshness" json:"harshness" validate:"min=1,max=10"`
}

// Label returns the name used in logs, falling back to the field.
func (e Expert) Label() string {
	if strings.TrimSpace(e.Name) != "" {
		return e.Name
	}
	return e.Field
}

type panel struct {
	Experts []Expert `validate:"required,min=1,dive"`
}

// ValidatePanel checks that experts is non-empty and every member is
// complete. The returned error wraps [ErrInvalidPanel].
func ValidatePanel(experts []Expert) error {
	if err := validate.Struct(panel{Experts: experts}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidPanel, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidPanel, err)
	}
	return nil
}

// Rating is one expert's verdict.
type Rating struct {
	Expert Expert `json:"expert"`

	// Score is clamped to [MinScore, MaxScore].
	Score float64 `json:"score"`

	// Weight equals Expert.Harshness.
	Weight int `json:"weight"`

	Comment string `json:"comment"`

	// Fallback marks a rating that was substituted because the response
	// could not be decoded.
	Fallback bool `json:"fallback,omitempty"`
}

// Set is the panel's result for one transcript.
type Set struct {
	Ratings    []Rating `json:"ratings"`
	FinalScore float64  `json:"final_score"`
}

// Reduce returns the harshness-weighted mean of ratings. It returns 0 for an
// empty slice or when every weight is zero.
func Reduce(ratings []Rating) float64 {
	var sum, weights float64
	for _, r := range ratings {
		sum += r.Score * float64(r.Weight)
		weights += float64(r.Weight)
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// Clamp bounds s to [MinScore, MaxScore].
func Clamp(s float64) float64 {
	return min(max(s, MinScore), MaxScore)
}

func fallback(e Expert) Rating {
	return Rating{
		Expert:   e,
		Score:    FallbackScore,
		Weight:   e.Harshness,
		Comment:  FallbackComment,
		Fallback: true,
	}
}
