// Package views holds the server-rendered HTML pages. The .templ sources are
// compiled with `templ generate`; the generated _templ.go files are committed.
package views

//go:generate templ generate

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/a-h/templ"

	appI18n "github.com/pavelanni/examroom/internal/i18n"
	"github.com/pavelanni/examroom/internal/results"
)

var tierMessages = map[results.Tier]string{
	results.TierGood:     "TierGood",
	results.TierWarning:  "TierWarning",
	results.TierCritical: "TierCritical",
}

func gradesTitle(ctx context.Context, subjectID string) string {
	return appI18n.Td(ctx, "GradesTitle", map[string]any{"Subject": subjectID})
}

func resultURL(row results.Row) templ.SafeURL {
	return templ.URL(fmt.Sprintf("/results/%s/%d", url.PathEscape(row.ExamID), row.RespondentID))
}

func scoreText(row results.Row) string {
	return strconv.FormatFloat(row.Score, 'f', -1, 64) + " / " + strconv.Itoa(row.TotalQuestions)
}

func percentText(row results.Row) string {
	s := strconv.Itoa(row.RoundedPercentage) + "%"
	if row.Trophy {
		s += " 🏆"
	}
	return s
}

func submittedText(row results.Row) string {
	if row.SubmittedAt.IsZero() {
		return ""
	}
	return row.SubmittedAt.Format("2006-01-02 15:04")
}
