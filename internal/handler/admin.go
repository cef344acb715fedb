package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examroom/internal/examfile"
	appI18n "github.com/pavelanni/examroom/internal/i18n"
	"github.com/pavelanni/examroom/internal/model"
)

const maxUploadBytes = 10 << 20

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeError(w, r, fmt.Errorf("list users: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username" validate:"required,min=3,max=64"`
	DisplayName string         `json:"displayName" validate:"max=128"`
	Password    string         `json:"password" validate:"required,min=8"`
	Role        model.UserRole `json:"role" validate:"required,oneof=student professor admin"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		slog.Warn("invalid create user request", "error", err)
		writeMessage(w, r, http.StatusBadRequest, "BadRequest")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		req.DisplayName = req.Username
	}

	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	}
	id, err := h.store.CreateUser(u)
	if err != nil {
		slog.Error("failed to create user", "username", req.Username, "error", err)
		writeMessage(w, r, http.StatusConflict, "BadRequest")
		return
	}
	u.ID = id
	slog.Info("user created", "user_id", id, "role", u.Role)
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "BadRequest")
		return
	}
	if id == viewer(r).UserID {
		writeMessage(w, r, http.StatusConflict, "InvalidAction")
		return
	}

	if err := h.store.ToggleUserActive(id); err != nil {
		writeError(w, r, fmt.Errorf("toggle user %d: %w", id, err))
		return
	}
	u, err := h.store.GetUserByID(id)
	if err != nil {
		writeError(w, r, fmt.Errorf("get user %d: %w", id, err))
		return
	}
	if u == nil {
		writeMessage(w, r, http.StatusNotFound, "NotFound")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type uploadResponse struct {
	Status  examfile.Status `json:"status"`
	ExamIDs []string        `json:"examIds"`
	Message string          `json:"message"`
}

// handleUploadExams imports exam definitions from a multipart "exams_file"
// field or a raw JSON body. Re-uploading identical content is a no-op.
func (h *Handler) handleUploadExams(w http.ResponseWriter, r *http.Request) {
	var (
		name string
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeMessage(w, r, http.StatusBadRequest, "BadRequest")
			return
		}
		file, header, err := r.FormFile("exams_file")
		if err != nil {
			writeMessage(w, r, http.StatusBadRequest, "BadRequest")
			return
		}
		defer file.Close()
		name = header.Filename
		data, err = io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("read upload: %w", err))
			return
		}
	} else {
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			writeMessage(w, r, http.StatusBadRequest, "BadRequest")
			return
		}
		name = "upload:" + examfile.Hash(data)
	}

	res, err := examfile.Import(h.store, name, data, true)
	if err != nil {
		slog.Warn("exam upload rejected", "filename", name, "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "BadRequest"})
		return
	}

	slog.Info("uploaded exams via admin", "filename", name, "status", res.Status, "count", len(res.ExamIDs))
	status := http.StatusCreated
	if res.Status != examfile.StatusImported {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{
		Status:  res.Status,
		ExamIDs: res.ExamIDs,
		Message: appI18n.Tp(r.Context(), "ExamsImported", len(res.ExamIDs)),
	})
}
