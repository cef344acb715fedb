package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examroom/internal/results"
	"github.com/pavelanni/examroom/internal/views"
)

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	rows, err := results.Aggregate(h.store, chi.URLParam(r, "subjectID"), viewer(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleGradesPage(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	rows, err := results.Aggregate(h.store, subjectID, viewer(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.GradesPage(subjectID, rows).Render(r.Context(), w); err != nil {
		slog.Error("render grades page", "subject_id", subjectID, "error", err)
	}
}

// handleResultsStream sends the subject's rows, then sends them again every
// time a submission of that subject is written.
func (h *Handler) handleResultsStream(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	v := viewer(r)

	changes, cancel := h.store.Watch()
	defer cancel()

	flusher, ok := startSSE(w)
	if !ok {
		writeMessage(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	send := func() bool {
		rows, err := results.Aggregate(h.store, subjectID, v)
		if err != nil {
			slog.Error("aggregate results", "subject_id", subjectID, "error", err)
			return false
		}
		if err := writeSSE(w, "results", rows); err != nil {
			slog.Warn("results stream write failed", "subject_id", subjectID, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}
	if !send() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.SubjectID != subjectID {
				continue
			}
			if !send() {
				return
			}
		}
	}
}

func (h *Handler) handleResultDetail(w http.ResponseWriter, r *http.Request) {
	respondentID, err := int64Param(r, "respondentID")
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "BadRequest")
		return
	}
	b, err := results.Detail(h.store, chi.URLParam(r, "examID"), respondentID, viewer(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type feedbackRequest struct {
	Feedback string `json:"feedback" validate:"max=5000"`
}

func (h *Handler) handleProfessorFeedback(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	respondentID, err := int64Param(r, "respondentID")
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "BadRequest")
		return
	}
	var req feedbackRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "BadRequest")
		return
	}

	if err := h.merger.SetProfessorFeedback(r.Context(), examID, respondentID, req.Feedback); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("professor feedback saved", "exam_id", examID, "respondent_id", respondentID, "by", viewer(r).UserID)

	b, err := results.Detail(h.store, examID, respondentID, viewer(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
