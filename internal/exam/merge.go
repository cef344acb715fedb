package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pavelanni/examroom/internal/metrics"
	"github.com/pavelanni/examroom/internal/model"
	"github.com/pavelanni/examroom/internal/store"
)

// DefaultSubmitRetries bounds the retries of a submission write when none is configured.
const DefaultSubmitRetries = 5

// SubmissionStore reads and conditionally writes per-exam submission trees.
type SubmissionStore interface {
	GetSubmissionTree(examID string) (*model.SubmissionTree, error)
	PutSubmissionTree(tree *model.SubmissionTree, expectedVersion int64) error
}

// Merger writes into submission trees with compare-and-set, retrying
// conflicts and transient errors with exponential backoff.
type Merger struct {
	store           SubmissionStore
	retries         int
	initialInterval time.Duration
}

func NewMerger(s SubmissionStore, retries int) *Merger {
	if retries < 0 {
		retries = DefaultSubmitRetries
	}
	return &Merger{store: s, retries: retries, initialInterval: 100 * time.Millisecond}
}

// Merge adds or replaces respondentID's record in the exam's tree. The exam
// metadata is written with the first submission and preserved afterwards.
func (m *Merger) Merge(ctx context.Context, def model.ExamDefinition, respondentID int64, rec model.SubmissionRecord) error {
	err := m.Update(ctx, def.ID, func(tree *model.SubmissionTree) error {
		tree.Merge(def.Meta(), respondentID, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("merge submission of %d into %s: %w", respondentID, def.ID, err)
	}
	return nil
}

// SetProfessorFeedback stores a reviewer's note on an existing submission.
func (m *Merger) SetProfessorFeedback(ctx context.Context, examID string, respondentID int64, text string) error {
	return m.Update(ctx, examID, func(tree *model.SubmissionTree) error {
		rec, ok := tree.Users[respondentID]
		if !ok {
			return ErrSubmissionNotFound
		}
		rec.ProfessorFeedback = strings.TrimSpace(text)
		tree.Users[respondentID] = rec
		return nil
	})
}

// Update reads the exam's tree, applies fn and writes it back if nobody wrote
// in between. An error from fn is returned without retrying. Nothing is
// written once ctx is done.
func (m *Merger) Update(ctx context.Context, examID string, fn func(*model.SubmissionTree) error) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		tree, err := m.store.GetSubmissionTree(examID)
		if err != nil {
			return err
		}
		if tree == nil {
			tree = &model.SubmissionTree{ExamID: examID, Users: make(map[int64]model.SubmissionRecord)}
		}
		expected := tree.Version
		if err := fn(tree); err != nil {
			return backoff.Permanent(err)
		}
		err = m.store.PutSubmissionTree(tree, expected)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.SubmitConflicts.Inc()
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.initialInterval
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.retries)), ctx)

	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		slog.Warn("submission write failed, retrying", "exam_id", examID, "wait", wait, "error", err)
	})
}
