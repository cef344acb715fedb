package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/examroom/internal/exam"
	appI18n "github.com/pavelanni/examroom/internal/i18n"
	"github.com/pavelanni/examroom/internal/model"
	"github.com/pavelanni/examroom/internal/results"
	"github.com/pavelanni/examroom/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	sessions *exam.Manager
	merger   *exam.Merger
	config   model.ServerConfig
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, sessions *exam.Manager, merger *exam.Merger, cfg model.ServerConfig) *Handler {
	return &Handler{
		store:    s,
		sessions: sessions,
		merger:   merger,
		config:   cfg,
		validate: validator.New(),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.csrfMiddleware)

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/me", h.handleMe)
		r.Get("/subjects/{subjectID}/exams", h.handleListExams)
		r.Get("/subjects/{subjectID}/results", h.handleResults)
		r.Get("/subjects/{subjectID}/grades", h.handleGradesPage)
		r.With(requireRole(model.UserRoleProfessor, model.UserRoleAdmin)).
			Get("/subjects/{subjectID}/results/stream", h.handleResultsStream)

		r.Get("/exams/{examID}", h.handleGetExam)
		r.With(requireRole(model.UserRoleStudent)).
			Post("/exams/{examID}/sessions", h.handleStartSession)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Delete("/", h.handleAbandonSession)
			r.Get("/events", h.handleSessionEvents)
			r.Post("/{action}", h.handleSessionAction)
		})

		r.Get("/results/{examID}/{respondentID}", h.handleResultDetail)
		r.With(requireRole(model.UserRoleProfessor, model.UserRoleAdmin)).
			Post("/results/{examID}/{respondentID}/feedback", h.handleProfessorFeedback)

		r.Route("/admin", func(r chi.Router) {
			r.With(requireRole(model.UserRoleProfessor, model.UserRoleAdmin)).
				Post("/exams", h.handleUploadExams)
			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
			})
		})
	})
}

// viewer returns the authenticated user as a Viewer. requireAuth guarantees one.
func viewer(r *http.Request) model.Viewer {
	u := model.UserFromContext(r.Context())
	if u == nil {
		return model.Viewer{}
	}
	return u.Viewer()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeMessage writes a localized error body for msgID.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorResponse{Error: appI18n.T(r.Context(), msgID), Code: msgID})
}

var errorStatuses = []struct {
	err    error
	status int
	msgID  string
}{
	{exam.ErrExamNotFound, http.StatusNotFound, "ExamNotFound"},
	{exam.ErrExamNotOpen, http.StatusForbidden, "ExamNotOpen"},
	{exam.ErrExamClosed, http.StatusForbidden, "ExamClosed"},
	{exam.ErrAlreadySubmitted, http.StatusConflict, "AlreadySubmitted"},
	{exam.ErrNotRespondent, http.StatusForbidden, "NotRespondent"},
	{exam.ErrSessionNotFound, http.StatusNotFound, "SessionNotFound"},
	{exam.ErrSessionClosed, http.StatusGone, "SessionNotFound"},
	{exam.ErrInputClosed, http.StatusConflict, "InputClosed"},
	{exam.ErrInvalidEvent, http.StatusConflict, "InvalidAction"},
	{exam.ErrInvalidAnswer, http.StatusUnprocessableEntity, "InvalidAnswer"},
	{exam.ErrSubmissionNotFound, http.StatusNotFound, "SubmissionNotFound"},
	{exam.ErrSubmitInProgress, http.StatusConflict, "SubmitInProgress"},
	{results.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{results.ErrNotFound, http.StatusNotFound, "NotFound"},
	{store.ErrVersionConflict, http.StatusConflict, "InternalError"},
}

// writeError maps a domain error to its status and message. Anything unknown
// is logged and reported as a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			writeMessage(w, r, e.status, e.msgID)
			return
		}
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeMessage(w, r, http.StatusInternalServerError, "InternalError")
}

// decodeJSON reads a JSON body into v and validates its tags. An empty body
// leaves v untouched.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := h.validate.Struct(v); err != nil {
		return err
	}
	return nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
