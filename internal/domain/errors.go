package domain

import "errors"

var (
	ErrNotFound         = errors.New("session not found")
	ErrConflict         = errors.New("concurrent mutation conflict")
	ErrInvalidRole      = errors.New("invalid role")
	ErrTriggerCycle     = errors.New("trigger cycle")
	ErrInvalidCondition = errors.New("invalid trigger condition")
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrDuplicateAgent   = errors.New("agent already registered")
	ErrAgentInvocation  = errors.New("agent invocation failed")
	ErrExtraction       = errors.New("extraction failed")
	ErrNotRetryable     = errors.New("agent not retryable")
)
