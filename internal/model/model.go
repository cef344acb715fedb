package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent takes exams and sees only their own results.
	UserRoleStudent UserRole = "student"
	// UserRoleProfessor publishes exams and sees every result of a subject.
	UserRoleProfessor UserRole = "professor"
	// UserRoleAdmin manages users and sees every result.
	UserRoleAdmin UserRole = "admin"
)

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	switch r {
	case UserRoleStudent, UserRoleProfessor, UserRoleAdmin:
		return true
	}
	return false
}

// CanReview reports whether the role sees other respondents' results and correct answers.
func (r UserRole) CanReview() bool {
	return r == UserRoleProfessor || r == UserRoleAdmin
}

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Viewer returns the session-context value used by the exam engine and results view.
func (u User) Viewer() Viewer {
	return Viewer{UserID: u.ID, DisplayName: u.DisplayName, Role: u.Role}
}

// Viewer identifies who is acting: passed explicitly instead of read from global state.
type Viewer struct {
	UserID      int64
	DisplayName string
	Role        UserRole
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	SecureCookies     bool          // Set Secure flag on cookies (disable for local dev)
	PromptVariant     string        // Essay rating prompt variant (strict, standard, lenient)
	RatingConcurrency int           // Max concurrent essay rating calls per submission
	SubmitRetries     int           // Max retries of the final submission write
	SessionRetention  time.Duration // How long finished sessions stay queryable
}
