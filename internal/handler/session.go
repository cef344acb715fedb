package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examroom/internal/exam"
	appI18n "github.com/pavelanni/examroom/internal/i18n"
	"github.com/pavelanni/examroom/internal/model"
)

const sseHeartbeat = 15 * time.Second

type examSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Instructions  string    `json:"instructions,omitempty"`
	SubjectID     string    `json:"subjectId"`
	StartDate     time.Time `json:"startDate"`
	DueDate       time.Time `json:"dueDate"`
	QuestionCount int       `json:"questionCount"`
	TotalPossible int       `json:"totalPossible"`
	Submitted     *bool     `json:"submitted,omitempty"`
}

func newExamSummary(def model.ExamDefinition) examSummary {
	return examSummary{
		ID:            def.ID,
		Name:          def.Name,
		Instructions:  def.Instructions,
		SubjectID:     def.SubjectID,
		StartDate:     def.StartDate,
		DueDate:       def.DueDate,
		QuestionCount: len(def.Questions),
		TotalPossible: def.TotalPossible(),
	}
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	v := viewer(r)
	defs, err := h.store.ListExamsBySubject(chi.URLParam(r, "subjectID"))
	if err != nil {
		writeError(w, r, fmt.Errorf("list exams: %w", err))
		return
	}

	out := make([]examSummary, 0, len(defs))
	for _, def := range defs {
		s := newExamSummary(def)
		if v.Role == model.UserRoleStudent {
			taken, err := h.store.HasSubmission(def.ID, v.UserID)
			if err != nil {
				writeError(w, r, fmt.Errorf("check submission: %w", err))
				return
			}
			s.Submitted = &taken
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetExam returns the full definition to reviewers and a summary to students.
func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	v := viewer(r)
	def, err := h.store.GetExam(chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, fmt.Errorf("get exam: %w", err))
		return
	}
	if def == nil {
		writeError(w, r, exam.ErrExamNotFound)
		return
	}
	if v.Role.CanReview() {
		writeJSON(w, http.StatusOK, def.ToJSON())
		return
	}
	s := newExamSummary(*def)
	taken, err := h.store.HasSubmission(def.ID, v.UserID)
	if err != nil {
		writeError(w, r, fmt.Errorf("check submission: %w", err))
		return
	}
	s.Submitted = &taken
	writeJSON(w, http.StatusOK, s)
}

// sessionView is a snapshot plus the localized texts the client shows: a
// notice toast and, when saving failed, an alert with the retry prompt.
type sessionView struct {
	exam.Snapshot
	Notice string `json:"notice,omitempty"`
	Alert  string `json:"alert,omitempty"`
}

func newSessionView(r *http.Request, snap exam.Snapshot) sessionView {
	sv := sessionView{Snapshot: snap}
	switch {
	case snap.TimedOut:
		sv.Notice = appI18n.T(r.Context(), "TimeUp")
	case snap.State == exam.StateSubmitted:
		sv.Notice = appI18n.T(r.Context(), "ExamSubmitted")
	}
	if snap.State == exam.StateSubmitFailed {
		sv.Alert = appI18n.T(r.Context(), "SubmitFailed")
	}
	return sv
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	runner, err := h.sessions.Start(r.Context(), viewer(r), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+runner.ID())
	writeJSON(w, http.StatusCreated, newSessionView(r, runner.Snapshot()))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	runner, err := h.sessions.Get(viewer(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(r, runner.Snapshot()))
}

func (h *Handler) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Abandon(viewer(r), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type confirmRequest struct {
	Feedback string `json:"feedback" validate:"max=2000"`
}

var errUnknownAction = errors.New("unknown session action")

// sessionEvent turns a POST /sessions/{id}/{action} request into an engine event.
func (h *Handler) sessionEvent(w http.ResponseWriter, r *http.Request, action string) (exam.Event, error) {
	switch action {
	case "answer":
		var req answerRequest
		if err := h.decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		return exam.Answer{Text: req.Answer}, nil
	case "next":
		return exam.Next{}, nil
	case "previous":
		return exam.Previous{}, nil
	case "submit":
		return exam.RequestSubmit{}, nil
	case "cancel":
		return exam.CancelSubmit{}, nil
	case "confirm":
		var req confirmRequest
		if err := h.decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		return exam.ConfirmSubmit{Feedback: req.Feedback}, nil
	case "retry":
		return exam.RetrySubmit{}, nil
	}
	return nil, errUnknownAction
}

func (h *Handler) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	runner, err := h.sessions.Get(viewer(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := h.sessionEvent(w, r, chi.URLParam(r, "action"))
	if errors.Is(err, errUnknownAction) {
		writeMessage(w, r, http.StatusNotFound, "NotFound")
		return
	}
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "BadRequest")
		return
	}

	snap, err := runner.Send(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(r, snap))
}

// handleSessionEvents streams the session's snapshots as server-sent events
// until the client goes away or the session closes.
func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	runner, err := h.sessions.Get(viewer(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		writeMessage(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	snaps, cancel := runner.Subscribe()
	defer cancel()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case snap, ok := <-snaps:
			if !ok {
				fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := writeSSE(w, "snapshot", newSessionView(r, snap)); err != nil {
				slog.Warn("session stream write failed", "session_id", runner.ID(), "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
