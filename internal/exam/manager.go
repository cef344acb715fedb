package exam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examroom/internal/metrics"
	"github.com/pavelanni/examroom/internal/model"
)

// ExamStore is what the manager reads to gate a new session.
type ExamStore interface {
	GetExam(id string) (*model.ExamDefinition, error)
	HasSubmission(examID string, respondentID int64) (bool, error)
}

type attemptKey struct {
	examID string
	userID int64
}

// Manager starts exam sessions and keeps the live ones.
type Manager struct {
	exams ExamStore
	deps  Deps

	mu       sync.Mutex
	sessions map[string]*Runner
	attempts map[attemptKey]string
	shutdown bool
}

func NewManager(exams ExamStore, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	return &Manager{
		exams:    exams,
		deps:     deps,
		sessions: make(map[string]*Runner),
		attempts: make(map[attemptKey]string),
	}
}

// Start opens a session of examID for viewer, or returns the one viewer
// already has running. Only students may start sessions, and only while the
// exam is open and they have not submitted it.
func (m *Manager) Start(ctx context.Context, viewer model.Viewer, examID string) (*Runner, error) {
	if viewer.Role != model.UserRoleStudent {
		return nil, ErrNotRespondent
	}
	key := attemptKey{examID: examID, userID: viewer.UserID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, ErrSessionClosed
	}
	if id, ok := m.attempts[key]; ok {
		r := m.sessions[id]
		if st, _ := r.idleSince(); st != StateSubmitted && st != StateNotFound {
			return r, nil
		}
	}

	def, err := m.exams.GetExam(examID)
	if err != nil {
		return nil, fmt.Errorf("load exam %s: %w", examID, err)
	}
	if def == nil {
		return nil, ErrExamNotFound
	}
	now := m.deps.Clock.Now()
	if now.Before(def.StartDate) {
		return nil, ErrExamNotOpen
	}
	if now.After(def.DueDate) {
		return nil, ErrExamClosed
	}
	taken, err := m.exams.HasSubmission(examID, viewer.UserID)
	if err != nil {
		return nil, fmt.Errorf("check submission of %d for %s: %w", viewer.UserID, examID, err)
	}
	if taken {
		return nil, ErrAlreadySubmitted
	}

	r := NewRunner(uuid.NewString(), def, viewer, m.deps)
	if _, err := r.Start(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	if old, ok := m.attempts[key]; ok {
		m.removeLocked(old)
	}
	m.sessions[r.ID()] = r
	m.attempts[key] = r.ID()
	metrics.ActiveSessions.Inc()
	slog.Info("exam session started", "session_id", r.ID(), "exam_id", examID, "user_id", viewer.UserID)
	return r, nil
}

// Get returns a session owned by viewer. Sessions of other users are reported
// as not found.
func (m *Manager) Get(viewer model.Viewer, id string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok || r.Respondent().UserID != viewer.UserID {
		return nil, ErrSessionNotFound
	}
	return r, nil
}

// Abandon closes a session owned by viewer and discards its answers. A
// session that is submitting cannot be abandoned.
func (m *Manager) Abandon(viewer model.Viewer, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok || r.Respondent().UserID != viewer.UserID {
		return ErrSessionNotFound
	}
	if r.Snapshot().State == StateSubmitting {
		return ErrSubmitInProgress
	}
	m.removeLocked(id)
	slog.Info("exam session abandoned", "session_id", id, "user_id", viewer.UserID)
	return nil
}

// Sweep closes sessions that finished, or failed to submit, more than
// olderThan ago. It returns how many were removed.
func (m *Manager) Sweep(olderThan time.Duration) int {
	cutoff := m.deps.Clock.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, r := range m.sessions {
		st, since := r.idleSince()
		if !st.Terminal() && st != StateSubmitFailed {
			continue
		}
		if since.After(cutoff) {
			continue
		}
		if st == StateSubmitFailed {
			slog.Warn("dropping session that never submitted", "session_id", id, "user_id", r.Respondent().UserID)
		}
		m.removeLocked(id)
		removed++
	}
	return removed
}

// Len returns the number of sessions held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown lets submissions in flight finish until ctx is done, then closes
// every session. Submissions still running at that point are dropped. Start
// fails afterwards.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	runners := make([]*Runner, 0, len(m.sessions))
	for _, r := range m.sessions {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		if err := r.AwaitSubmission(ctx); err != nil {
			slog.Warn("dropping submission still in flight at shutdown",
				"session_id", r.ID(), "exam_id", r.examID(), "user_id", r.Respondent().UserID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.removeLocked(id)
	}
}

func (m *Manager) removeLocked(id string) {
	r, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	key := attemptKey{examID: r.examID(), userID: r.Respondent().UserID}
	if m.attempts[key] == id {
		delete(m.attempts, key)
	}
	r.Close()
	metrics.ActiveSessions.Dec()
}
