package exam

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/examroom/internal/grading"
	"github.com/pavelanni/examroom/internal/metrics"
	"github.com/pavelanni/examroom/internal/model"
)

// Deps are the collaborators a Runner needs to submit.
type Deps struct {
	Clock             Clock
	Rater             grading.Rater
	RatingConcurrency int
	Merger            *Merger
}

var errNoMerger = errors.New("no submission store configured")

type request struct {
	ev    Event // nil reads the snapshot
	reply chan reply
}

type reply struct {
	snap Snapshot
	err  error
}

type submitResult struct {
	rec model.SubmissionRecord
	err error
}

// Runner owns one Session on its own goroutine. It turns timer ticks and
// requests into events, performs the effects, and publishes a Snapshot after
// every change.
type Runner struct {
	id         string
	exam       *model.ExamDefinition
	respondent model.Viewer
	deps       Deps
	session    *Session

	requests   chan request
	submitDone chan submitResult
	quit       chan struct{}
	done       chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once
	submits    sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	ticker Ticker // owned by the loop goroutine

	mu        sync.Mutex
	latest    Snapshot
	seq       uint64
	subs      map[int]chan Snapshot
	nextSub   int
	closed    bool
	changedAt time.Time
}

// NewRunner prepares a runner for def. A nil def makes the session not found.
func NewRunner(id string, def *model.ExamDefinition, respondent model.Viewer, deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		id:         id,
		exam:       def,
		respondent: respondent,
		deps:       deps,
		session:    NewSession(),
		requests:   make(chan request),
		submitDone: make(chan submitResult),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[int]chan Snapshot),
		changedAt:  deps.Clock.Now(),
	}
	r.latest = r.snapshot()
	return r
}

func (r *Runner) ID() string { return r.id }

// Respondent returns the viewer taking the exam.
func (r *Runner) Respondent() model.Viewer { return r.respondent }

// Start launches the loop, loads the exam and begins the countdown.
func (r *Runner) Start(ctx context.Context) (Snapshot, error) {
	r.startOnce.Do(func() { go r.loop() })

	var ev Event = LoadFailed{Err: ErrExamNotFound}
	if r.exam != nil {
		ev = Loaded{Exam: *r.exam, Now: r.deps.Clock.Now()}
	}
	snap, err := r.Send(ctx, ev)
	if err != nil {
		return snap, err
	}
	if r.exam == nil {
		return snap, ErrExamNotFound
	}
	return r.Send(ctx, Begin{})
}

// Send applies ev inside the loop and returns the resulting snapshot.
func (r *Runner) Send(ctx context.Context, ev Event) (Snapshot, error) {
	req := request{ev: ev, reply: make(chan reply, 1)}
	select {
	case r.requests <- req:
	case <-r.done:
		return r.cached(), ErrSessionClosed
	case <-ctx.Done():
		return r.cached(), ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.snap, rep.err
	case <-r.done:
		return r.cached(), ErrSessionClosed
	case <-ctx.Done():
		return r.cached(), ctx.Err()
	}
}

// Snapshot returns the state after every event sent so far has been applied.
func (r *Runner) Snapshot() Snapshot {
	snap, err := r.Send(context.Background(), nil)
	if err != nil {
		return r.cached()
	}
	return snap
}

// Subscribe returns a channel that receives the current snapshot and then
// every later one. A slow reader only sees the latest. cancel closes the
// channel and may be called more than once.
func (r *Runner) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.latest

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

// Close stops the timer, abandons any submission in flight and closes all
// subscriptions. In-memory answers are discarded and nothing is written once
// Close returns.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
		r.cancel()
	})
	r.startOnce.Do(func() {
		r.closeSubscribers()
		close(r.done)
	})
	<-r.done
	r.submits.Wait()
}

// AwaitSubmission blocks while the session is submitting. It returns nil once
// the submission has succeeded or failed, or the runner has closed.
func (r *Runner) AwaitSubmission(ctx context.Context) error {
	ch, cancel := r.Subscribe()
	defer cancel()
	for {
		select {
		case snap, ok := <-ch:
			if !ok || snap.State != StateSubmitting {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) loop() {
	defer close(r.done)
	defer r.closeSubscribers()
	defer r.stopTimer()

	for {
		var tick <-chan time.Time
		if r.ticker != nil {
			tick = r.ticker.C()
		}
		select {
		case <-r.quit:
			return
		case <-tick:
			if err := r.handle(Tick{}); err != nil {
				slog.Error("tick rejected", "session_id", r.id, "error", err)
			}
		case req := <-r.requests:
			var err error
			if req.ev != nil {
				err = r.handle(req.ev)
			}
			req.reply <- reply{snap: r.cached(), err: err}
		case res := <-r.submitDone:
			var ev Event = SubmitSucceeded{Record: res.rec}
			if res.err != nil {
				ev = SubmitFailed{Record: res.rec, Err: res.err}
			}
			if err := r.handle(ev); err != nil {
				slog.Error("submit result rejected", "session_id", r.id, "error", err)
			}
		}
	}
}

func (r *Runner) handle(ev Event) error {
	effects, err := r.session.Apply(ev)
	if err != nil {
		return err
	}
	for _, eff := range effects {
		r.perform(eff)
	}
	if e, ok := ev.(SubmitFailed); ok {
		slog.Error("submission failed", "session_id", r.id, "exam_id", r.examID(), "user_id", r.respondent.UserID, "error", e.Err)
		metrics.Submissions.WithLabelValues("failed", string(r.session.trigger)).Inc()
	}
	r.publish()
	return nil
}

func (r *Runner) perform(eff Effect) {
	switch e := eff.(type) {
	case StartTimer:
		if r.ticker == nil {
			r.ticker = r.deps.Clock.NewTicker(time.Second)
		}
	case StopTimer:
		r.stopTimer()
	case TimeUp:
		slog.Info("time is up, submitting", "session_id", r.id, "exam_id", r.examID(), "user_id", r.respondent.UserID)
	case Submit:
		r.submits.Add(1)
		go r.submit(e)
	case Complete:
		slog.Info("exam submitted", "session_id", r.id, "exam_id", r.examID(), "user_id", r.respondent.UserID,
			"score", e.Record.Score, "total", e.Record.TotalQuestions)
		metrics.Submissions.WithLabelValues("ok", string(r.session.trigger)).Inc()
	}
}

// submit scores the answers unless a previous attempt already did, then merges
// the record into the exam's submission tree. A runner closed while scoring
// writes nothing: its cancelled ratings are not real rater failures.
func (r *Runner) submit(e Submit) {
	defer r.submits.Done()

	var rec model.SubmissionRecord
	if e.Scored != nil {
		rec = *e.Scored
	} else {
		rec = grading.Score(r.ctx, *r.exam, e.Answers, r.deps.Rater, r.deps.RatingConcurrency)
		rec.Feedback = e.Feedback
		rec.SubmittedAt = r.deps.Clock.Now()
	}
	if r.ctx.Err() != nil {
		slog.Warn("session closed while submitting, nothing written",
			"session_id", r.id, "exam_id", r.examID(), "user_id", r.respondent.UserID)
		return
	}

	var err error
	if r.deps.Merger == nil {
		err = errNoMerger
	} else {
		err = r.deps.Merger.Merge(r.ctx, *r.exam, r.respondent.UserID, rec)
	}

	select {
	case r.submitDone <- submitResult{rec: rec, err: err}:
	case <-r.quit:
	}
}

func (r *Runner) stopTimer() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
}

func (r *Runner) examID() string {
	if r.exam == nil {
		return ""
	}
	return r.exam.ID
}

func (r *Runner) snapshot() Snapshot {
	snap := r.session.Snapshot()
	snap.ID = r.id
	if snap.ExamID == "" {
		snap.ExamID = r.examID()
	}
	return snap
}

func (r *Runner) publish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	snap := r.snapshot()
	snap.Seq = r.seq
	r.latest = snap
	r.changedAt = r.deps.Clock.Now()
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
			// Replace the unread snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (r *Runner) cached() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// idleSince returns the state and the time of the last change.
func (r *Runner) idleSince() (State, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest.State, r.changedAt
}

func (r *Runner) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.closed = true
}
