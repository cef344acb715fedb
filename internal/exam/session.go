// Package exam drives a respondent through one timed exam attempt.
//
// Session is a pure state machine: Apply takes an event and returns the side
// effects its driver must perform. Runner is the driver; Manager owns the
// runners of a server.
package exam

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/pavelanni/examroom/internal/model"
)

// State is the lifecycle stage of a session.
type State string

const (
	StateLoading      State = "loading"
	StateNotFound     State = "not_found"
	StateReady        State = "ready"
	StateActive       State = "active"
	StateSubmitting   State = "submitting"
	StateSubmitFailed State = "submit_failed"
	StateSubmitted    State = "submitted"
)

// Terminal reports whether no event can move the session any further.
func (s State) Terminal() bool {
	return s == StateNotFound || s == StateSubmitted
}

// Trigger records why a session started submitting.
type Trigger string

const (
	TriggerConfirm Trigger = "confirm"
	TriggerTimeout Trigger = "timeout"
)

// Event is an input to Session.Apply.
type Event interface{ isEvent() }

type (
	// Loaded delivers the exam definition read at session start.
	Loaded struct {
		Exam model.ExamDefinition
		Now  time.Time
	}
	// LoadFailed reports that the definition could not be read.
	LoadFailed struct{ Err error }
	// Begin starts the countdown.
	Begin struct{}
	// Tick is one elapsed second.
	Tick struct{}
	// Answer sets the current question's answer. Blank text clears it.
	Answer   struct{ Text string }
	Next     struct{}
	Previous struct{}
	// RequestSubmit opens the confirmation prompt.
	RequestSubmit struct{}
	CancelSubmit  struct{}
	// ConfirmSubmit submits with optional respondent feedback.
	ConfirmSubmit struct{ Feedback string }
	// SubmitSucceeded reports the record that was written.
	SubmitSucceeded struct{ Record model.SubmissionRecord }
	// SubmitFailed reports a failed write together with the scored record,
	// so a retry does not score again.
	SubmitFailed struct {
		Record model.SubmissionRecord
		Err    error
	}
	RetrySubmit struct{}
)

func (Loaded) isEvent()          {}
func (LoadFailed) isEvent()      {}
func (Begin) isEvent()           {}
func (Tick) isEvent()            {}
func (Answer) isEvent()          {}
func (Next) isEvent()            {}
func (Previous) isEvent()        {}
func (RequestSubmit) isEvent()   {}
func (CancelSubmit) isEvent()    {}
func (ConfirmSubmit) isEvent()   {}
func (SubmitSucceeded) isEvent() {}
func (SubmitFailed) isEvent()    {}
func (RetrySubmit) isEvent()     {}

// Effect is a side effect requested by Session.Apply.
type Effect interface{ isEffect() }

type (
	StartTimer struct{}
	StopTimer  struct{}
	// Submit asks the driver to score Answers and merge the record. Scored is
	// set on a retry and holds the record produced by the first attempt.
	Submit struct {
		Answers  map[int]string
		Feedback string
		Trigger  Trigger
		Scored   *model.SubmissionRecord
	}
	// TimeUp asks the driver to tell the respondent the time ran out.
	TimeUp struct{}
	// Complete reports the written record.
	Complete struct{ Record model.SubmissionRecord }
)

func (StartTimer) isEffect() {}
func (StopTimer) isEffect()  {}
func (Submit) isEffect()     {}
func (TimeUp) isEffect()     {}
func (Complete) isEffect()   {}

// Session is the state of one exam attempt.
type Session struct {
	state      State
	exam       model.ExamDefinition
	timeLimit  int
	remaining  int
	current    int
	answers    map[int]string
	confirming bool
	feedback   string
	trigger    Trigger
	scored     *model.SubmissionRecord
	record     *model.SubmissionRecord
	err        error
}

// NewSession returns a session waiting for its exam definition.
func NewSession() *Session {
	return &Session{state: StateLoading, answers: make(map[int]string)}
}

func (s *Session) State() State { return s.state }

// Remaining returns the seconds left on the countdown.
func (s *Session) Remaining() int { return s.remaining }

// Apply advances the session by one event.
func (s *Session) Apply(ev Event) ([]Effect, error) {
	switch s.state {
	case StateLoading:
		return s.applyLoading(ev)
	case StateReady:
		if _, ok := ev.(Begin); ok {
			return s.begin(), nil
		}
	case StateActive:
		return s.applyActive(ev)
	case StateSubmitting:
		switch e := ev.(type) {
		case Tick:
			return nil, nil
		case SubmitSucceeded:
			rec := e.Record
			s.record = &rec
			s.scored = nil
			s.err = nil
			s.state = StateSubmitted
			return []Effect{Complete{Record: rec}}, nil
		case SubmitFailed:
			rec := e.Record
			s.scored = &rec
			s.err = e.Err
			s.state = StateSubmitFailed
			return nil, nil
		}
		return nil, fmt.Errorf("%T: %w", ev, ErrInputClosed)
	case StateSubmitFailed:
		switch ev.(type) {
		case Tick:
			return nil, nil
		case RetrySubmit:
			s.state = StateSubmitting
			return []Effect{s.submitEffect()}, nil
		}
		return nil, fmt.Errorf("%T: %w", ev, ErrInputClosed)
	case StateSubmitted:
		if _, ok := ev.(Tick); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("%T: %w", ev, ErrInputClosed)
	}
	return nil, fmt.Errorf("%T in state %s: %w", ev, s.state, ErrInvalidEvent)
}

func (s *Session) applyLoading(ev Event) ([]Effect, error) {
	switch e := ev.(type) {
	case Loaded:
		s.exam = e.Exam
		s.timeLimit = max(0, int(e.Exam.DueDate.Sub(e.Now)/time.Second))
		s.remaining = s.timeLimit
		s.current = 0
		clear(s.answers)
		s.state = StateReady
		return nil, nil
	case LoadFailed:
		s.err = e.Err
		s.state = StateNotFound
		return nil, nil
	}
	return nil, fmt.Errorf("%T in state %s: %w", ev, s.state, ErrInvalidEvent)
}

// begin enters the active state. A session with no time left submits at once.
func (s *Session) begin() []Effect {
	s.state = StateActive
	if s.remaining <= 0 {
		return s.timeUp(false)
	}
	return []Effect{StartTimer{}}
}

func (s *Session) timeUp(timerRunning bool) []Effect {
	s.remaining = 0
	s.confirming = false
	s.trigger = TriggerTimeout
	s.state = StateSubmitting
	var effects []Effect
	if timerRunning {
		effects = append(effects, StopTimer{})
	}
	return append(effects, TimeUp{}, s.submitEffect())
}

func (s *Session) applyActive(ev Event) ([]Effect, error) {
	if _, ok := ev.(Tick); ok {
		s.remaining--
		if s.remaining <= 0 {
			return s.timeUp(true), nil
		}
		return nil, nil
	}

	if s.confirming {
		switch e := ev.(type) {
		case RequestSubmit:
			return nil, nil
		case CancelSubmit:
			s.confirming = false
			return nil, nil
		case ConfirmSubmit:
			s.confirming = false
			s.feedback = strings.TrimSpace(e.Feedback)
			s.trigger = TriggerConfirm
			s.state = StateSubmitting
			return []Effect{StopTimer{}, s.submitEffect()}, nil
		}
		return nil, fmt.Errorf("%T while confirming: %w", ev, ErrInvalidEvent)
	}

	switch e := ev.(type) {
	case Answer:
		return nil, s.setAnswer(e.Text)
	case Next:
		if s.current < len(s.exam.Questions)-1 {
			s.current++
		} else {
			s.confirming = true
		}
		return nil, nil
	case Previous:
		if s.current > 0 {
			s.current--
		}
		return nil, nil
	case RequestSubmit:
		s.confirming = true
		return nil, nil
	case CancelSubmit:
		return nil, nil
	}
	return nil, fmt.Errorf("%T in state %s: %w", ev, s.state, ErrInvalidEvent)
}

func (s *Session) setAnswer(text string) error {
	if s.current >= len(s.exam.Questions) {
		return fmt.Errorf("answer: exam has no questions: %w", ErrInvalidEvent)
	}
	if strings.TrimSpace(text) == "" {
		delete(s.answers, s.current)
		return nil
	}
	if mc, ok := s.exam.Questions[s.current].(model.MultipleChoice); ok && !mc.HasOption(text) {
		return fmt.Errorf("question %d: %q: %w", s.current, text, ErrInvalidAnswer)
	}
	s.answers[s.current] = text
	return nil
}

func (s *Session) submitEffect() Submit {
	return Submit{
		Answers:  maps.Clone(s.answers),
		Feedback: s.feedback,
		Trigger:  s.trigger,
		Scored:   s.scored,
	}
}

// QuestionView is a question as shown to the respondent, without its answer.
type QuestionView struct {
	Index             int                `json:"index"`
	Type              model.QuestionType `json:"type"`
	Text              string             `json:"text"`
	Options           []string           `json:"options,omitempty"`
	MaxScore          int                `json:"maxScore,omitempty"`
	ExpectedWordCount int                `json:"expectedWordCount,omitempty"`
}

func newQuestionView(i int, q model.Question) *QuestionView {
	v := &QuestionView{Index: i, Type: q.Type(), Text: q.Prompt()}
	switch qq := q.(type) {
	case model.MultipleChoice:
		v.Options = qq.Options
	case model.Essay:
		v.MaxScore = qq.MaxScore
		v.ExpectedWordCount = qq.ExpectedWordCount
	}
	return v
}

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	ID            string                  `json:"id"`
	Seq           uint64                  `json:"seq"`
	ExamID        string                  `json:"examId"`
	ExamName      string                  `json:"examName,omitempty"`
	Instructions  string                  `json:"instructions,omitempty"`
	State         State                   `json:"state"`
	TimeLimit     int                     `json:"timeLimit"`
	Remaining     int                     `json:"remaining"`
	CurrentIndex  int                     `json:"currentIndex"`
	QuestionCount int                     `json:"questionCount"`
	Question      *QuestionView           `json:"question,omitempty"`
	Answers       map[int]string          `json:"answers"`
	Confirming    bool                    `json:"confirming"`
	TimedOut      bool                    `json:"timedOut"`
	Record        *model.SubmissionRecord `json:"record,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ExamID:        s.exam.ID,
		ExamName:      s.exam.Name,
		Instructions:  s.exam.Instructions,
		State:         s.state,
		TimeLimit:     s.timeLimit,
		Remaining:     s.remaining,
		CurrentIndex:  s.current,
		QuestionCount: len(s.exam.Questions),
		Answers:       maps.Clone(s.answers),
		Confirming:    s.confirming,
		TimedOut:      s.trigger == TriggerTimeout,
		Record:        s.record,
	}
	if s.current < len(s.exam.Questions) {
		snap.Question = newQuestionView(s.current, s.exam.Questions[s.current])
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
