// Package results turns stored submissions into role-scoped result rows and
// per-exam breakdowns.
package results

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/pavelanni/examroom/internal/model"
)

var (
	// ErrForbidden is returned when a student asks for someone else's result.
	ErrForbidden = errors.New("result belongs to another respondent")
	// ErrNotFound is returned when the exam or the respondent's submission is missing.
	ErrNotFound = errors.New("result not found")
)

// UnknownName is shown for respondents without a user record.
const UnknownName = "Unknown"

// Source is the read side of the store used by the results view.
type Source interface {
	ListSubmissionTrees() ([]model.SubmissionTree, error)
	GetSubmissionTree(examID string) (*model.SubmissionTree, error)
	GetExam(id string) (*model.ExamDefinition, error)
	GetUserByID(id int64) (*model.User, error)
}

// Tier is the performance band of a percentage.
type Tier string

const (
	TierGood     Tier = "good"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
)

// Classify returns the tier of an unrounded percentage.
func Classify(pct float64) Tier {
	switch {
	case pct >= 80:
		return TierGood
	case pct >= 60:
		return TierWarning
	}
	return TierCritical
}

// Percentage returns score/total*100, or 0 when total is 0.
func Percentage(score float64, total int) float64 {
	if total <= 0 {
		return 0
	}
	return score / float64(total) * 100
}

// Row is one respondent's result for one exam.
type Row struct {
	ExamID            string    `json:"examId"`
	ExamName          string    `json:"examName"`
	SubjectID         string    `json:"subjectId"`
	RespondentID      int64     `json:"respondentId"`
	RespondentName    string    `json:"respondentName"`
	Score             float64   `json:"score"`
	TotalQuestions    int       `json:"totalQuestions"`
	Percentage        float64   `json:"percentage"`
	RoundedPercentage int       `json:"roundedPercentage"`
	Tier              Tier      `json:"tier"`
	Trophy            bool      `json:"trophy"`
	SubmittedAt       time.Time `json:"submittedAt"`
}

func newRow(tree model.SubmissionTree, examName string, respondentID int64, name string, rec model.SubmissionRecord) Row {
	pct := Percentage(rec.Score, rec.TotalQuestions)
	tier := Classify(pct)
	return Row{
		ExamID:            tree.ExamID,
		ExamName:          examName,
		SubjectID:         tree.SubjectID,
		RespondentID:      respondentID,
		RespondentName:    name,
		Score:             rec.Score,
		TotalQuestions:    rec.TotalQuestions,
		Percentage:        pct,
		RoundedPercentage: int(math.Round(pct)),
		Tier:              tier,
		Trophy:            tier == TierGood,
		SubmittedAt:       rec.SubmittedAt,
	}
}

// Aggregate lists the results of a subject as viewer may see them. Students
// get only their own rows; professors and admins get every respondent's.
// Submissions whose exam no longer exists are skipped. Rows are ordered by
// exam name, then respondent name.
func Aggregate(src Source, subjectID string, viewer model.Viewer) ([]Row, error) {
	trees, err := src.ListSubmissionTrees()
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	names := newNameCache(src)

	rows := []Row{}
	for _, tree := range trees {
		if tree.SubjectID != subjectID {
			continue
		}
		def, err := src.GetExam(tree.ExamID)
		if err != nil {
			return nil, fmt.Errorf("load exam %s: %w", tree.ExamID, err)
		}
		if def == nil {
			continue
		}
		if !viewer.Role.CanReview() {
			if rec, ok := tree.Users[viewer.UserID]; ok {
				rows = append(rows, newRow(tree, def.Name, viewer.UserID, viewer.DisplayName, rec))
			}
			continue
		}
		for id, rec := range tree.Users {
			rows = append(rows, newRow(tree, def.Name, id, names.lookup(id), rec))
		}
	}

	slices.SortFunc(rows, func(a, b Row) int {
		return cmp.Or(
			cmp.Compare(a.ExamName, b.ExamName),
			cmp.Compare(a.ExamID, b.ExamID),
			cmp.Compare(a.RespondentName, b.RespondentName),
			cmp.Compare(a.RespondentID, b.RespondentID),
		)
	})
	return rows, nil
}

type nameCache struct {
	src   Source
	names map[int64]string
}

func newNameCache(src Source) *nameCache {
	return &nameCache{src: src, names: make(map[int64]string)}
}

// lookup resolves a display name, falling back to UnknownName.
func (c *nameCache) lookup(id int64) string {
	if n, ok := c.names[id]; ok {
		return n
	}
	name := UnknownName
	u, err := c.src.GetUserByID(id)
	if err != nil {
		slog.Warn("failed to resolve respondent name", "user_id", id, "error", err)
	} else if u != nil && u.DisplayName != "" {
		name = u.DisplayName
	}
	c.names[id] = name
	return name
}
