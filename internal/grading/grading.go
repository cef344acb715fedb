// Package grading scores a finished exam attempt.
package grading

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examroom/internal/metrics"
	"github.com/pavelanni/examroom/internal/model"
)

// DefaultConcurrency bounds parallel essay rating calls when none is configured.
const DefaultConcurrency = 4

// Rater rates one essay answer on a 0..10 scale.
type Rater interface {
	RateEssay(ctx context.Context, question, answer string) (model.EssayRating, error)
}

// MatchObjective compares an objective answer to the correct one ignoring
// case and surrounding whitespace. An empty correct answer never matches.
func MatchObjective(answer, correct string) bool {
	want := strings.ToLower(strings.TrimSpace(correct))
	if want == "" {
		return false
	}
	return strings.ToLower(strings.TrimSpace(answer)) == want
}

// EssayPoints rescales a 0..10 rating to the question's max score. The result
// is not rounded.
func EssayPoints(rating float64, maxScore int) float64 {
	return rating / 10 * float64(maxScore)
}

// Score grades answers against def. Blank or out-of-range answers are left out
// of the record. Answered essays are rated concurrently, at most concurrency at
// a time; a failed rating stores the fallback and never aborts scoring. The
// returned record has no SubmittedAt.
func Score(ctx context.Context, def model.ExamDefinition, answers map[int]string, rater Rater, concurrency int) model.SubmissionRecord {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	rec := model.SubmissionRecord{
		TotalQuestions: def.TotalPossible(),
		Answers:        make(map[int]model.AnswerRecord),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)

	for i, q := range def.Questions {
		text, ok := answers[i]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		switch v := q.(type) {
		case model.MultipleChoice, model.Identification:
			ar := model.AnswerRecord{Type: q.Type(), Answer: text}
			if MatchObjective(text, model.CorrectAnswer(v)) {
				ar.Points = 1
			}
			rec.Answers[i] = ar
		case model.Essay:
			g.Go(func() error {
				rating := rateEssay(ctx, rater, i, v.Text, text)
				mu.Lock()
				rec.Answers[i] = model.AnswerRecord{
					Type:       model.QuestionEssay,
					Answer:     text,
					Points:     EssayPoints(rating.Rating, v.MaxScore),
					AIFeedback: &rating,
				}
				mu.Unlock()
				return nil
			})
		}
	}
	// Rating goroutines never return an error.
	_ = g.Wait()

	for i := range def.Questions {
		rec.Score += rec.Answers[i].Points
	}
	return rec
}

func rateEssay(ctx context.Context, rater Rater, index int, question, answer string) model.EssayRating {
	if rater == nil {
		metrics.EssayRatings.WithLabelValues("fallback").Inc()
		return model.FallbackRating()
	}
	start := time.Now()
	rating, err := rater.RateEssay(ctx, question, answer)
	metrics.EssayRatingSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("essay rating failed", "question", index, "error", err)
		metrics.EssayRatings.WithLabelValues("fallback").Inc()
		return model.FallbackRating()
	}
	metrics.EssayRatings.WithLabelValues("ok").Inc()
	return rating
}
