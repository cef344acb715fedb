package model

import "time"

// EssayFallbackComment is stored when the essay rater fails.
const EssayFallbackComment = "AI feedback unavailable."

// EssayRating is the rater's verdict on one essay answer. Rating is on a 0..10 scale.
type EssayRating struct {
	Rating  float64 `json:"rating"`
	Comment string  `json:"comment"`
}

// FallbackRating is the degraded result stored when rating fails.
func FallbackRating() EssayRating {
	return EssayRating{Rating: 0, Comment: EssayFallbackComment}
}

// AnswerRecord is a respondent's stored answer to one question.
// AIFeedback is set for essay answers only.
type AnswerRecord struct {
	Type       QuestionType `json:"type"`
	Answer     string       `json:"answer"`
	Points     float64      `json:"points"`
	AIFeedback *EssayRating `json:"aiFeedback,omitempty"`
}

// SubmissionRecord is the durable graded result of one respondent's attempt.
type SubmissionRecord struct {
	Score             float64              `json:"score"`
	TotalQuestions    int                  `json:"totalQuestions"`
	SubmittedAt       time.Time            `json:"submittedAt"`
	Answers           map[int]AnswerRecord `json:"answers"`
	Feedback          string               `json:"feedback,omitempty"`
	ProfessorFeedback string               `json:"professorFeedback,omitempty"`
}

// ExamMeta holds the exam fields copied into the submission tree.
type ExamMeta struct {
	Name         string    `json:"name"`
	DueDate      time.Time `json:"dueDate"`
	Instructions string    `json:"instructions"`
	SubjectID    string    `json:"subjectId"`
}

// SubmissionTree is the per-exam document holding every respondent's record.
// Version is the optimistic-concurrency token of the stored document.
type SubmissionTree struct {
	ExamID string `json:"-"`
	ExamMeta
	Users   map[int64]SubmissionRecord `json:"users"`
	Version int64                      `json:"-"`
}

// Merge adds or overwrites the respondent's record. Metadata already present is preserved.
func (t *SubmissionTree) Merge(meta ExamMeta, respondentID int64, rec SubmissionRecord) {
	if t.Name == "" && t.SubjectID == "" {
		t.ExamMeta = meta
	}
	if t.Users == nil {
		t.Users = make(map[int64]SubmissionRecord)
	}
	t.Users[respondentID] = rec
}
