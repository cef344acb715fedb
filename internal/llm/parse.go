package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/examroom/internal/model"
)

const (
	minRating = 0
	maxRating = 10

	noComment = "No feedback."
)

var (
	ratingRegex  = regexp.MustCompile(`(?i)"?rating"?\s*:\s*"?(-?\d+(?:\.\d+)?)`)
	commentRegex = regexp.MustCompile(`(?im)^\s*comment:\s*(.+)$`)
)

// RatingError is returned when an essay could not be rated, so the caller can
// tell an unusable reply apart from an unreachable model.
type RatingError struct {
	Reason  string
	Wrapped error
}

func (e *RatingError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("essay rating failed: %s: %v", e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("essay rating failed: %s", e.Reason)
}

func (e *RatingError) Unwrap() error {
	return e.Wrapped
}

type ratingReply struct {
	Rating  *float64 `json:"rating"`
	Comment string   `json:"comment"`
}

// ParseRating reads a model reply. It accepts a JSON object or the plain
// "Rating: N / Comment: ..." form, and clamps the rating to 0..10.
func ParseRating(raw string) (model.EssayRating, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.EssayRating{}, &RatingError{Reason: "empty reply"}
	}

	if obj := extractJSON(raw); obj != "" {
		var reply ratingReply
		if err := json.Unmarshal([]byte(obj), &reply); err == nil && reply.Rating != nil {
			return model.EssayRating{
				Rating:  clamp(*reply.Rating),
				Comment: commentOrDefault(reply.Comment),
			}, nil
		}
	}

	m := ratingRegex.FindStringSubmatch(raw)
	if m == nil {
		return model.EssayRating{}, &RatingError{Reason: "no rating in reply"}
	}
	rating, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return model.EssayRating{}, &RatingError{Reason: "invalid rating", Wrapped: err}
	}
	var comment string
	if c := commentRegex.FindStringSubmatch(raw); c != nil {
		comment = c[1]
	}
	return model.EssayRating{Rating: clamp(rating), Comment: commentOrDefault(comment)}, nil
}

// extractJSON returns the outermost {...} in s, or "" if there is none.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func clamp(r float64) float64 {
	switch {
	case r < minRating:
		return minRating
	case r > maxRating:
		return maxRating
	}
	return r
}

func commentOrDefault(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		return noComment
	}
	return c
}
