package exam

import "errors"

var (
	ErrExamNotFound       = errors.New("exam not found")
	ErrExamNotOpen        = errors.New("exam is not open yet")
	ErrExamClosed         = errors.New("exam is closed")
	ErrAlreadySubmitted   = errors.New("exam already submitted")
	ErrNotRespondent      = errors.New("only students can take exams")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrSubmitInProgress   = errors.New("submission in progress")

	// ErrInputClosed is returned for input once a session has started submitting.
	ErrInputClosed = errors.New("session no longer accepts input")
	// ErrInvalidEvent is returned for an event the current state does not accept.
	ErrInvalidEvent = errors.New("event not allowed in current state")
	// ErrInvalidAnswer is returned for a multiple-choice answer that is not one of the options.
	ErrInvalidAnswer = errors.New("answer is not one of the options")
)
