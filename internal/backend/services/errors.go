package services

import (
	"errors"

	"NetPulse/internal/backend/plugins"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrCapability       = errors.New("capability error")
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentMismatch    = errors.New("agent does not own this batch")
	ErrAgentNotEligible = errors.New("agent not eligible")
	ErrInvalidToken     = errors.New("invalid or expired token")

	ErrBatchNotFound       = errors.New("batch not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrBatchState          = errors.New("batch not in a state that allows this operation")
	ErrEmptyBatch          = errors.New("batch has no tasks")
	ErrInvalidTransition   = errors.New("invalid task status transition")
	ErrTaskTimeout         = errors.New("task execution timed out")
	ErrDefinitionNotFound  = errors.New("task definition not found")
	ErrSchedulerNotRunning = errors.New("scheduler not running")

	ErrNoPluginAvailable = plugins.ErrNoPluginAvailable
)
