package exam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/examroom/internal/grading"
	"github.com/pavelanni/examroom/internal/model"
)

type fakeExams struct {
	*memStore
	exams map[string]model.ExamDefinition
}

func (f fakeExams) GetExam(id string) (*model.ExamDefinition, error) {
	def, ok := f.exams[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func newTestManager(t *testing.T, defs ...model.ExamDefinition) (*Manager, *fakeClock, *memStore) {
	t.Helper()
	return newRatedTestManager(t, nil, defs...)
}

func newRatedTestManager(t *testing.T, rater grading.Rater, defs ...model.ExamDefinition) (*Manager, *fakeClock, *memStore) {
	t.Helper()
	ms := newMemStore()
	fe := fakeExams{memStore: ms, exams: make(map[string]model.ExamDefinition)}
	for _, d := range defs {
		fe.exams[d.ID] = d
	}
	clock := newFakeClock(t0)
	merger := NewMerger(ms, 0)
	m := NewManager(fe, Deps{Clock: clock, Merger: merger, Rater: rater})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, clock, ms
}

func TestManagerStartGate(t *testing.T) {
	open := testExam(time.Hour, threeQuestions()...)
	future := testExam(2 * time.Hour)
	future.ID = "future"
	future.StartDate = t0.Add(time.Hour)
	closed := testExam(-time.Minute)
	closed.ID = "closed"

	taken := testExam(time.Hour)
	taken.ID = "taken"

	m, _, ms := newTestManager(t, open, future, closed, taken)
	ms.trees["taken"] = model.SubmissionTree{ExamID: "taken", Users: map[int64]model.SubmissionRecord{student.UserID: {}}, Version: 1}

	professor := model.Viewer{UserID: 1, Role: model.UserRoleProfessor}
	admin := model.Viewer{UserID: 2, Role: model.UserRoleAdmin}

	tests := []struct {
		name   string
		viewer model.Viewer
		examID string
		want   error
	}{
		{"professor", professor, open.ID, ErrNotRespondent},
		{"admin", admin, open.ID, ErrNotRespondent},
		{"unknown exam", student, "missing", ErrExamNotFound},
		{"not yet open", student, "future", ErrExamNotOpen},
		{"closed", student, "closed", ErrExamClosed},
		{"already taken", student, "taken", ErrAlreadySubmitted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Start(context.Background(), tt.viewer, tt.examID)
			if !errors.Is(err, tt.want) {
				t.Errorf("Start() err = %v, want %v", err, tt.want)
			}
		})
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestManagerSessionLifecycle(t *testing.T) {
	def := testExam(time.Hour, threeQuestions()...)
	m, clock, _ := newTestManager(t, def)

	r, err := m.Start(context.Background(), student, def.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	again, err := m.Start(context.Background(), student, def.ID)
	if err != nil || again.ID() != r.ID() {
		t.Fatalf("second Start = %v, %v; want the live session", again, err)
	}

	other := model.Viewer{UserID: 99, Role: model.UserRoleStudent}
	if _, err := m.Get(other, r.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get by another user: err = %v, want ErrSessionNotFound", err)
	}
	got, err := m.Get(student, r.ID())
	if err != nil || got != r {
		t.Fatalf("Get by owner = %v, %v", got, err)
	}

	send(t, r, RequestSubmit{})
	send(t, r, ConfirmSubmit{})
	waitState(t, r, StateSubmitted)

	if _, err := m.Start(context.Background(), student, def.ID); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("Start after submit: err = %v, want ErrAlreadySubmitted", err)
	}

	if n := m.Sweep(time.Minute); n != 0 {
		t.Errorf("Sweep() removed %d fresh sessions", n)
	}
	clock.Advance(2 * time.Minute)
	if n := m.Sweep(time.Minute); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, err := m.Get(student, r.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after sweep: err = %v, want ErrSessionNotFound", err)
	}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Error("swept runner not closed")
	}
}

func TestManagerAbandon(t *testing.T) {
	def := testExam(time.Hour, threeQuestions()...)
	m, clock, ms := newTestManager(t, def)

	r, err := m.Start(context.Background(), student, def.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	send(t, r, Answer{Text: "A"})
	tk := clock.lastTicker(t)

	other := model.Viewer{UserID: 99, Role: model.UserRoleStudent}
	if err := m.Abandon(other, r.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Abandon by another user: err = %v, want ErrSessionNotFound", err)
	}
	if err := m.Abandon(student, r.ID()); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if !tk.stopped.Load() {
		t.Error("abandoned session's ticker still running")
	}
	if tree, _ := ms.GetSubmissionTree(def.ID); tree != nil {
		t.Error("abandoning must not write a submission")
	}

	// A fresh attempt is allowed since nothing was submitted.
	if _, err := m.Start(context.Background(), student, def.ID); err != nil {
		t.Errorf("Start after abandon: %v", err)
	}
}

func TestManagerShutdown(t *testing.T) {
	def := testExam(time.Hour, threeQuestions()...)
	m, _, _ := newTestManager(t, def)
	if _, err := m.Start(context.Background(), student, def.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Shutdown(context.Background())
	if m.Len() != 0 {
		t.Errorf("Len() = %d after shutdown", m.Len())
	}
	if _, err := m.Start(context.Background(), student, def.ID); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Start after shutdown: err = %v, want ErrSessionClosed", err)
	}
}

// startSubmittingEssay answers the essay exam def and confirms the submit,
// returning once the rater holds the essay.
func startSubmittingEssay(t *testing.T, m *Manager, rater *blockingRater, def model.ExamDefinition) *Runner {
	t.Helper()
	r, err := m.Start(context.Background(), student, def.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	send(t, r, Answer{Text: "A long essay."})
	send(t, r, RequestSubmit{})
	send(t, r, ConfirmSubmit{})
	rater.waitStarted(t)
	return r
}

func essayExam() model.ExamDefinition {
	return testExam(time.Hour, model.Essay{Text: "Discuss", MaxScore: 10})
}

func TestManagerAbandonWhileSubmitting(t *testing.T) {
	def := essayExam()
	rater := newBlockingRater()
	m, _, ms := newRatedTestManager(t, rater, def)
	r := startSubmittingEssay(t, m, rater, def)

	if err := m.Abandon(student, r.ID()); !errors.Is(err, ErrSubmitInProgress) {
		t.Fatalf("Abandon() err = %v, want ErrSubmitInProgress", err)
	}
	if _, err := m.Get(student, r.ID()); err != nil {
		t.Fatalf("Get after refused abandon: %v", err)
	}

	close(rater.release)
	snap := waitState(t, r, StateSubmitted)
	if snap.Record.Score != 10 {
		t.Errorf("Score = %v, want 10", snap.Record.Score)
	}
	tree, _ := ms.GetSubmissionTree(def.ID)
	if tree == nil {
		t.Fatal("nothing written")
	}
	if got := tree.Users[student.UserID]; got.Score != 10 {
		t.Errorf("stored Score = %v, want 10", got.Score)
	}
}

func TestManagerShutdownDrainsSubmission(t *testing.T) {
	def := essayExam()
	rater := newBlockingRater()
	m, _, ms := newRatedTestManager(t, rater, def)
	startSubmittingEssay(t, m, rater, def)

	done := make(chan struct{})
	go func() {
		m.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Shutdown returned while a submission was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(rater.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the submission finished")
	}

	tree, _ := ms.GetSubmissionTree(def.ID)
	if tree == nil {
		t.Fatal("drained submission not written")
	}
	if got := tree.Users[student.UserID]; got.Score != 10 || len(got.Answers) != 1 {
		t.Errorf("stored record = %+v, want score 10 with one answer", got)
	}
}

func TestManagerShutdownDropsUnfinishedSubmission(t *testing.T) {
	def := essayExam()
	rater := newBlockingRater()
	m, _, ms := newRatedTestManager(t, rater, def)
	r := startSubmittingEssay(t, m, rater, def)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Shutdown(ctx)

	select {
	case <-r.Done():
	default:
		t.Error("runner still running after Shutdown")
	}
	ms.mu.Lock()
	puts := ms.puts
	ms.mu.Unlock()
	if puts != 0 {
		t.Errorf("PutSubmissionTree called %d times, want 0", puts)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after shutdown", m.Len())
	}
}
