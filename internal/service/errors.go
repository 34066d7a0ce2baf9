package service

import "errors"

// Lifecycle errors. Callers match them with errors.Is.
var (
	ErrExamNotFound    = errors.New("exam not found")
	ErrExamNotStarted  = errors.New("exam has not started yet")
	ErrExamEnded       = errors.New("exam has already ended")
	ErrSessionNotFound = errors.New("exam session not found")
	ErrSessionClosed   = errors.New("exam session is already finished")
	ErrInvalidID       = errors.New("invalid identifier")
)
