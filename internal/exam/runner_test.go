package exam

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/examroom/internal/grading"
	"github.com/pavelanni/examroom/internal/model"
	"github.com/pavelanni/examroom/internal/store"
)

type fakeTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) lastTicker(t *testing.T) *fakeTicker {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		t.Fatal("no ticker started")
	}
	return c.tickers[len(c.tickers)-1]
}

// tick advances the clock by a second and reports whether the runner took the tick.
func (c *fakeClock) tick(tk *fakeTicker) bool {
	c.Advance(time.Second)
	select {
	case tk.c <- c.Now():
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}

// memStore is an in-memory SubmissionStore that can fail writes on demand.
type memStore struct {
	mu       sync.Mutex
	trees    map[string]model.SubmissionTree
	failPuts int
	puts     int
}

func newMemStore() *memStore {
	return &memStore{trees: make(map[string]model.SubmissionTree)}
}

func (m *memStore) GetSubmissionTree(examID string) (*model.SubmissionTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.trees[examID]
	if !ok {
		return nil, nil
	}
	users := make(map[int64]model.SubmissionRecord, len(tree.Users))
	for k, v := range tree.Users {
		users[k] = v
	}
	tree.Users = users
	return &tree, nil
}

func (m *memStore) PutSubmissionTree(tree *model.SubmissionTree, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failPuts > 0 {
		m.failPuts--
		return errors.New("write failed")
	}
	if m.trees[tree.ExamID].Version != expected {
		return store.ErrVersionConflict
	}
	tree.Version = expected + 1
	m.trees[tree.ExamID] = *tree
	return nil
}

func (m *memStore) HasSubmission(examID string, respondentID int64) (bool, error) {
	tree, _ := m.GetSubmissionTree(examID)
	if tree == nil {
		return false, nil
	}
	_, ok := tree.Users[respondentID]
	return ok, nil
}

type countingRater struct {
	calls atomic.Int32
}

func (r *countingRater) RateEssay(context.Context, string, string) (model.EssayRating, error) {
	r.calls.Add(1)
	return model.EssayRating{Rating: 8, Comment: "good"}, nil
}

var student = model.Viewer{UserID: 7, DisplayName: "Ana", Role: model.UserRoleStudent}

// blockingRater holds every rating until release is closed or the caller's
// context ends.
type blockingRater struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingRater() *blockingRater {
	return &blockingRater{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (r *blockingRater) RateEssay(ctx context.Context, _, _ string) (model.EssayRating, error) {
	r.started <- struct{}{}
	select {
	case <-r.release:
		return model.EssayRating{Rating: 10, Comment: "excellent"}, nil
	case <-ctx.Done():
		return model.EssayRating{}, ctx.Err()
	}
}

func (r *blockingRater) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("rater never called")
	}
}

func newTestRunner(t *testing.T, def *model.ExamDefinition, ms *memStore, rater grading.Rater) (*Runner, *fakeClock) {
	t.Helper()
	clock := newFakeClock(t0)
	m := NewMerger(ms, 0)
	m.initialInterval = time.Millisecond
	deps := Deps{Clock: clock, Merger: m, RatingConcurrency: 2, Rater: rater}
	r := NewRunner("sess-1", def, student, deps)
	t.Cleanup(r.Close)
	return r, clock
}

func waitState(t *testing.T, r *Runner, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := r.Snapshot()
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", snap.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func send(t *testing.T, r *Runner, ev Event) Snapshot {
	t.Helper()
	snap, err := r.Send(context.Background(), ev)
	if err != nil {
		t.Fatalf("Send(%T): %v", ev, err)
	}
	return snap
}

func TestRunnerCountdownAutoSubmits(t *testing.T) {
	def := testExam(5*time.Second, threeQuestions()...)
	ms := newMemStore()
	r, clock := newTestRunner(t, &def, ms, nil)

	snap, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.State != StateActive || snap.Remaining != 5 {
		t.Fatalf("after start: %s remaining %d, want active 5", snap.State, snap.Remaining)
	}
	tk := clock.lastTicker(t)

	for want := 4; want >= 1; want-- {
		if !clock.tick(tk) {
			t.Fatal("tick not consumed")
		}
		snap := r.Snapshot()
		if snap.State != StateActive || snap.Remaining != want {
			t.Fatalf("remaining %d state %s, want %d active", snap.Remaining, snap.State, want)
		}
	}

	if !clock.tick(tk) {
		t.Fatal("final tick not consumed")
	}
	snap = waitState(t, r, StateSubmitted)
	if !snap.TimedOut {
		t.Error("expected timed out submission")
	}
	if !tk.stopped.Load() {
		t.Error("ticker not stopped after time up")
	}
	if clock.tick(tk) {
		t.Error("runner consumed a tick after the timer stopped")
	}
}

func TestRunnerEndToEndObjective(t *testing.T) {
	def := testExam(600*time.Second, threeQuestions()...)
	ms := newMemStore()
	r, _ := newTestRunner(t, &def, ms, nil)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	send(t, r, Answer{Text: "A"})
	send(t, r, Next{})
	send(t, r, Answer{Text: "C"})
	send(t, r, Next{})
	send(t, r, Answer{Text: "42"})
	if snap := send(t, r, Next{}); !snap.Confirming {
		t.Fatal("expected confirmation after last question")
	}
	send(t, r, ConfirmSubmit{})

	snap := waitState(t, r, StateSubmitted)
	rec := snap.Record
	if rec == nil {
		t.Fatal("no record in snapshot")
	}
	if rec.Score != 2 || rec.TotalQuestions != 3 {
		t.Errorf("score %v/%d, want 2/3", rec.Score, rec.TotalQuestions)
	}
	if !rec.SubmittedAt.Equal(t0) {
		t.Errorf("SubmittedAt = %v, want %v", rec.SubmittedAt, t0)
	}

	tree, _ := ms.GetSubmissionTree(def.ID)
	if tree == nil {
		t.Fatal("nothing written")
	}
	if tree.Name != "Midterm" || tree.SubjectID != "math" {
		t.Errorf("tree metadata = %+v", tree.ExamMeta)
	}
	if got := tree.Users[student.UserID]; got.Score != 2 || len(got.Answers) != 3 {
		t.Errorf("stored record = %+v", got)
	}

	if _, err := r.Send(context.Background(), Answer{Text: "B"}); !errors.Is(err, ErrInputClosed) {
		t.Errorf("answer after submit: err = %v, want ErrInputClosed", err)
	}
}

func TestRunnerUnansweredEssayTimesOut(t *testing.T) {
	def := testExam(time.Second, model.Essay{Text: "Discuss", MaxScore: 10})
	ms := newMemStore()
	rater := &countingRater{}
	r, clock := newTestRunner(t, &def, ms, rater)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !clock.tick(clock.lastTicker(t)) {
		t.Fatal("tick not consumed")
	}
	snap := waitState(t, r, StateSubmitted)
	if snap.Record.Score != 0 || snap.Record.TotalQuestions != 10 {
		t.Errorf("score %v/%d, want 0/10", snap.Record.Score, snap.Record.TotalQuestions)
	}
	if len(snap.Record.Answers) != 0 {
		t.Errorf("answers = %v, want none", snap.Record.Answers)
	}
	if rater.calls.Load() != 0 {
		t.Errorf("rater called %d times for an unanswered essay", rater.calls.Load())
	}
}

func TestRunnerRetryReusesScoredRecord(t *testing.T) {
	def := testExam(time.Hour, model.Essay{Text: "Discuss", MaxScore: 5})
	ms := newMemStore()
	ms.failPuts = 1
	rater := &countingRater{}
	r, _ := newTestRunner(t, &def, ms, rater)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	send(t, r, Answer{Text: "An essay."})
	send(t, r, RequestSubmit{})
	send(t, r, ConfirmSubmit{})
	snap := waitState(t, r, StateSubmitFailed)
	if snap.Error == "" {
		t.Error("expected error text in snapshot")
	}

	send(t, r, RetrySubmit{})
	snap = waitState(t, r, StateSubmitted)
	if rater.calls.Load() != 1 {
		t.Errorf("rater called %d times, want 1", rater.calls.Load())
	}
	if snap.Record.Score != 4 {
		t.Errorf("Score = %v, want 4", snap.Record.Score)
	}
}

func TestRunnerNotFound(t *testing.T) {
	r, _ := newTestRunner(t, nil, newMemStore(), nil)
	snap, err := r.Start(context.Background())
	if !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("Start err = %v, want ErrExamNotFound", err)
	}
	if snap.State != StateNotFound {
		t.Errorf("State = %s, want not_found", snap.State)
	}
}

func TestRunnerSubscribeAndClose(t *testing.T) {
	def := testExam(time.Hour, threeQuestions()...)
	r, clock := newTestRunner(t, &def, newMemStore(), nil)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tk := clock.lastTicker(t)

	ch, cancel := r.Subscribe()
	defer cancel()
	first := <-ch
	if first.State != StateActive {
		t.Fatalf("first snapshot state = %s, want active", first.State)
	}

	send(t, r, Next{})
	select {
	case snap := <-ch:
		if snap.CurrentIndex != 1 || snap.Seq <= first.Seq {
			t.Errorf("snapshot after Next = index %d seq %d", snap.CurrentIndex, snap.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	r.Close()
	if !tk.stopped.Load() {
		t.Error("ticker not stopped by Close")
	}
	if _, ok := <-ch; ok {
		t.Error("subscription still open after Close")
	}
	if clock.tick(tk) {
		t.Error("closed runner consumed a tick")
	}
	if _, err := r.Send(context.Background(), Next{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after Close: err = %v, want ErrSessionClosed", err)
	}

	late, cancelLate := r.Subscribe()
	defer cancelLate()
	if _, ok := <-late; ok {
		t.Error("subscription on a closed runner should be closed")
	}
}

func TestRunnerCloseWhileSubmittingWritesNothing(t *testing.T) {
	def := testExam(time.Hour, model.Essay{Text: "Discuss", MaxScore: 10})
	ms := newMemStore()
	rater := newBlockingRater()
	r, _ := newTestRunner(t, &def, ms, rater)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	send(t, r, Answer{Text: "A long essay."})
	send(t, r, RequestSubmit{})
	send(t, r, ConfirmSubmit{})
	rater.waitStarted(t)
	if got := r.Snapshot().State; got != StateSubmitting {
		t.Fatalf("State = %s, want submitting", got)
	}

	r.Close()

	ms.mu.Lock()
	puts := ms.puts
	ms.mu.Unlock()
	if puts != 0 {
		t.Errorf("PutSubmissionTree called %d times after Close, want 0", puts)
	}
	if tree, _ := ms.GetSubmissionTree(def.ID); tree != nil {
		t.Errorf("tree = %+v, want nothing written", tree.Users)
	}
	if _, err := r.Send(context.Background(), Next{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after Close: err = %v, want ErrSessionClosed", err)
	}
}

func TestRunnerAwaitSubmission(t *testing.T) {
	def := testExam(time.Hour, model.Essay{Text: "Discuss", MaxScore: 10})
	ms := newMemStore()
	rater := newBlockingRater()
	r, _ := newTestRunner(t, &def, ms, rater)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	send(t, r, Answer{Text: "A long essay."})
	send(t, r, RequestSubmit{})
	send(t, r, ConfirmSubmit{})
	rater.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.AwaitSubmission(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitSubmission() err = %v, want DeadlineExceeded", err)
	}

	close(rater.release)
	if err := r.AwaitSubmission(context.Background()); err != nil {
		t.Fatalf("AwaitSubmission() err = %v, want nil", err)
	}
	snap := r.Snapshot()
	if snap.State != StateSubmitted || snap.Record.Score != 10 {
		t.Errorf("after await: %s score %v, want submitted 10", snap.State, snap.Record.Score)
	}
}
