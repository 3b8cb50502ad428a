package service

import "errors"

var (
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrNotAttemptOwner   = errors.New("attempt belongs to another student")
	ErrAttemptClosed     = errors.New("attempt is closed")
	ErrAttemptNotStarted = errors.New("attempt has not been started")
	ErrExamNotFound      = errors.New("exam not found")
	ErrExamWindowClosed  = errors.New("exam window is closed")
	ErrTimeUp            = errors.New("attempt time is up")
	ErrNotExamOwner      = errors.New("exam belongs to another instructor")
	ErrExamMismatch      = errors.New("attempt does not belong to this exam")
	ErrInvalidViolation  = errors.New("invalid violation report")
	ErrInvalidAnswer     = errors.New("invalid answer")
)
