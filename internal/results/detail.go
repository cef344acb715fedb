package results

import (
	"fmt"
	"math"

	"github.com/pavelanni/examroom/internal/model"
)

// Option is a multiple-choice option in a breakdown.
type Option struct {
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
	Correct  bool   `json:"correct,omitempty"`
}

// Item is one question of a breakdown with the stored answer.
type Item struct {
	Index    int                `json:"index"`
	Type     model.QuestionType `json:"type"`
	Text     string             `json:"text"`
	Answered bool               `json:"answered"`
	Answer   string             `json:"answer,omitempty"`
	Points   float64            `json:"points"`

	// Multiple-choice.
	Options []Option `json:"options,omitempty"`
	// Identification, shown to reviewers only.
	CorrectAnswer string `json:"correctAnswer,omitempty"`

	// Essay.
	MaxScore    int    `json:"maxScore,omitempty"`
	EssayPoints int    `json:"essayPoints"`
	Comment     string `json:"comment,omitempty"`
}

// Breakdown is the question-by-question view of one respondent's submission.
type Breakdown struct {
	Row
	Instructions      string `json:"instructions,omitempty"`
	Feedback          string `json:"feedback,omitempty"`
	ProfessorFeedback string `json:"professorFeedback,omitempty"`
	Items             []Item `json:"items"`
	Reviewer          bool   `json:"reviewer"`
}

// Detail builds the breakdown of respondentID's submission to examID.
// Students may only open their own; correct answers are filled in for
// professors and admins only.
func Detail(src Source, examID string, respondentID int64, viewer model.Viewer) (*Breakdown, error) {
	reviewer := viewer.Role.CanReview()
	if !reviewer && respondentID != viewer.UserID {
		return nil, ErrForbidden
	}

	def, err := src.GetExam(examID)
	if err != nil {
		return nil, fmt.Errorf("load exam %s: %w", examID, err)
	}
	if def == nil {
		return nil, ErrNotFound
	}
	tree, err := src.GetSubmissionTree(examID)
	if err != nil {
		return nil, fmt.Errorf("load submissions of %s: %w", examID, err)
	}
	if tree == nil {
		return nil, ErrNotFound
	}
	rec, ok := tree.Users[respondentID]
	if !ok {
		return nil, ErrNotFound
	}

	name := viewer.DisplayName
	if reviewer {
		name = newNameCache(src).lookup(respondentID)
	}

	b := &Breakdown{
		Row:               newRow(*tree, def.Name, respondentID, name, rec),
		Instructions:      def.Instructions,
		Feedback:          rec.Feedback,
		ProfessorFeedback: rec.ProfessorFeedback,
		Reviewer:          reviewer,
		Items:             make([]Item, 0, len(def.Questions)),
	}
	for i, q := range def.Questions {
		b.Items = append(b.Items, newItem(i, q, rec.Answers, reviewer))
	}
	return b, nil
}

func newItem(i int, q model.Question, answers map[int]model.AnswerRecord, reviewer bool) Item {
	ar, answered := answers[i]
	it := Item{
		Index:    i,
		Type:     q.Type(),
		Text:     q.Prompt(),
		Answered: answered,
		Answer:   ar.Answer,
		Points:   ar.Points,
	}
	switch v := q.(type) {
	case model.MultipleChoice:
		for _, o := range v.Options {
			it.Options = append(it.Options, Option{
				Text:     o,
				Selected: answered && ar.Answer == o,
				Correct:  reviewer && o == v.Correct,
			})
		}
	case model.Identification:
		if reviewer {
			it.CorrectAnswer = v.Correct
		}
	case model.Essay:
		it.MaxScore = v.MaxScore
		if ar.AIFeedback != nil {
			it.EssayPoints = int(math.Round(ar.AIFeedback.Rating / 10 * float64(v.MaxScore)))
			it.Comment = ar.AIFeedback.Comment
		}
	}
	return it
}
