package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// QuestionType tags the question variants.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionIdentification QuestionType = "identification"
	QuestionEssay          QuestionType = "essay"
)

// Objective reports whether answers of this type are scored by string match.
func (t QuestionType) Objective() bool {
	return t == QuestionMultipleChoice || t == QuestionIdentification
}

// Question is one of MultipleChoice, Identification or Essay.
type Question interface {
	Type() QuestionType
	Prompt() string
	isQuestion()
}

// MultipleChoice is a question answered by picking one of Options.
type MultipleChoice struct {
	Text    string
	Options []string
	Correct string
}

// Identification is a free-text question with a single correct answer.
type Identification struct {
	Text    string
	Correct string
}

// Essay is rated out of 10 by the essay rater and rescaled to MaxScore.
type Essay struct {
	Text              string
	MaxScore          int
	ExpectedWordCount int
}

func (MultipleChoice) Type() QuestionType { return QuestionMultipleChoice }
func (Identification) Type() QuestionType { return QuestionIdentification }
func (Essay) Type() QuestionType          { return QuestionEssay }

func (q MultipleChoice) Prompt() string { return q.Text }
func (q Identification) Prompt() string { return q.Text }
func (q Essay) Prompt() string          { return q.Text }

func (MultipleChoice) isQuestion() {}
func (Identification) isQuestion() {}
func (Essay) isQuestion()          {}

// HasOption reports whether text is exactly one of the options.
func (q MultipleChoice) HasOption(text string) bool {
	for _, o := range q.Options {
		if o == text {
			return true
		}
	}
	return false
}

// CorrectAnswer returns the designated answer of an objective question, or "" for essays.
func CorrectAnswer(q Question) string {
	switch v := q.(type) {
	case MultipleChoice:
		return v.Correct
	case Identification:
		return v.Correct
	}
	return ""
}

// ExamDefinition is an exam as published by a professor. The session engine reads it once.
type ExamDefinition struct {
	ID           string
	Name         string
	Instructions string
	SubjectID    string
	StartDate    time.Time
	DueDate      time.Time
	CreatedAt    time.Time
	Questions    []Question
}

// TotalPossible is the number of objective questions plus the sum of essay max scores.
func (e ExamDefinition) TotalPossible() int {
	total := 0
	for _, q := range e.Questions {
		if es, ok := q.(Essay); ok {
			total += es.MaxScore
			continue
		}
		total++
	}
	return total
}

// Meta returns the denormalised fields written alongside submissions.
func (e ExamDefinition) Meta() ExamMeta {
	return ExamMeta{
		Name:         e.Name,
		DueDate:      e.DueDate,
		Instructions: e.Instructions,
		SubjectID:    e.SubjectID,
	}
}

// QuestionJSON is the wire form of a question, shared by uploads and storage.
type QuestionJSON struct {
	Type              QuestionType `json:"type" validate:"required,oneof=multiple-choice identification essay"`
	Text              string       `json:"text" validate:"required"`
	Options           []string     `json:"options,omitempty" validate:"omitempty,unique,dive,required"`
	Answer            string       `json:"answer,omitempty" validate:"required_unless=Type essay"`
	EssayScore        int          `json:"essayScore,omitempty" validate:"gte=0"`
	ExpectedWordCount int          `json:"expectedWordCount,omitempty" validate:"gte=0"`
}

// ExamJSON is the wire form of an exam definition.
type ExamJSON struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name" validate:"required"`
	Instructions string         `json:"instructions"`
	SubjectID    string         `json:"subjectId" validate:"required"`
	StartDate    time.Time      `json:"startDate"`
	DueDate      time.Time      `json:"dueDate" validate:"gtfield=StartDate"`
	CreatedAt    time.Time      `json:"createdAt,omitempty"`
	Questions    []QuestionJSON `json:"questions" validate:"dive"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks struct tags plus the constraints tags cannot express.
func (e ExamJSON) Validate() error {
	if e.StartDate.IsZero() || e.DueDate.IsZero() {
		return fmt.Errorf("invalid exam %q: start and due dates are required", e.Name)
	}
	if err := structValidator().Struct(e); err != nil {
		return fmt.Errorf("invalid exam %q: %w", e.Name, err)
	}
	for i, q := range e.Questions {
		if q.Type == QuestionMultipleChoice {
			if len(q.Options) < 2 {
				return fmt.Errorf("invalid exam %q: question %d: multiple-choice needs at least two options", e.Name, i)
			}
			found := false
			for _, o := range q.Options {
				if o == q.Answer {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("invalid exam %q: question %d: correct answer %q is not one of the options", e.Name, i, q.Answer)
			}
		}
		if q.Type == QuestionIdentification && strings.TrimSpace(q.Answer) == "" {
			return fmt.Errorf("invalid exam %q: question %d: identification answer is blank", e.Name, i)
		}
	}
	return nil
}

// ToQuestion converts the wire form into its variant.
func (q QuestionJSON) ToQuestion() (Question, error) {
	switch q.Type {
	case QuestionMultipleChoice:
		opts := make([]string, len(q.Options))
		copy(opts, q.Options)
		return MultipleChoice{Text: q.Text, Options: opts, Correct: q.Answer}, nil
	case QuestionIdentification:
		return Identification{Text: q.Text, Correct: q.Answer}, nil
	case QuestionEssay:
		return Essay{Text: q.Text, MaxScore: q.EssayScore, ExpectedWordCount: q.ExpectedWordCount}, nil
	}
	return nil, fmt.Errorf("unknown question type %q", q.Type)
}

// QuestionToJSON converts a variant into its wire form.
func QuestionToJSON(q Question) QuestionJSON {
	switch v := q.(type) {
	case MultipleChoice:
		return QuestionJSON{Type: QuestionMultipleChoice, Text: v.Text, Options: v.Options, Answer: v.Correct}
	case Identification:
		return QuestionJSON{Type: QuestionIdentification, Text: v.Text, Answer: v.Correct}
	case Essay:
		return QuestionJSON{Type: QuestionEssay, Text: v.Text, EssayScore: v.MaxScore, ExpectedWordCount: v.ExpectedWordCount}
	}
	return QuestionJSON{}
}

// ToDefinition converts the wire form into an ExamDefinition.
func (e ExamJSON) ToDefinition() (ExamDefinition, error) {
	def := ExamDefinition{
		ID:           e.ID,
		Name:         e.Name,
		Instructions: e.Instructions,
		SubjectID:    e.SubjectID,
		StartDate:    e.StartDate,
		DueDate:      e.DueDate,
		CreatedAt:    e.CreatedAt,
	}
	for i, qj := range e.Questions {
		q, err := qj.ToQuestion()
		if err != nil {
			return ExamDefinition{}, fmt.Errorf("question %d: %w", i, err)
		}
		def.Questions = append(def.Questions, q)
	}
	return def, nil
}

// ToJSON converts the definition into its wire form.
func (e ExamDefinition) ToJSON() ExamJSON {
	out := ExamJSON{
		ID:           e.ID,
		Name:         e.Name,
		Instructions: e.Instructions,
		SubjectID:    e.SubjectID,
		StartDate:    e.StartDate,
		DueDate:      e.DueDate,
		CreatedAt:    e.CreatedAt,
		Questions:    make([]QuestionJSON, 0, len(e.Questions)),
	}
	for _, q := range e.Questions {
		out.Questions = append(out.Questions, QuestionToJSON(q))
	}
	return out
}

// MarshalQuestions encodes questions for storage.
func MarshalQuestions(qs []Question) ([]byte, error) {
	wire := make([]QuestionJSON, 0, len(qs))
	for _, q := range qs {
		wire = append(wire, QuestionToJSON(q))
	}
	return json.Marshal(wire)
}

// UnmarshalQuestions decodes questions from storage.
func UnmarshalQuestions(data []byte) ([]Question, error) {
	var wire []QuestionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	qs := make([]Question, 0, len(wire))
	var errs []error
	for i, qj := range wire {
		q, err := qj.ToQuestion()
		if err != nil {
			errs = append(errs, fmt.Errorf("question %d: %w", i, err))
			continue
		}
		qs = append(qs, q)
	}
	return qs, errors.Join(errs...)
}
