package domain

import "time"

// CommandType enumerates the kinds of remote commands a kiosk can execute.
type CommandType string

const (
	CommandOpenLocker CommandType = "open-locker"
	CommandBulkOpen   CommandType = "bulk-open"
	CommandBlock      CommandType = "block"
	CommandUnblock    CommandType = "unblock"
	CommandConfigApply CommandType = "config-apply"
	CommandClearQueue CommandType = "clear-queue"
)

// CommandStatus is the lifecycle state of a queued command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// IsTerminal reports whether the status can never transition further.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled:
		return true
	default:
		return false
	}
}

// Command is a single unit of work destined for a kiosk's command queue.
type Command struct {
	CommandID     string                 `json:"command_id"`
	KioskID       string                 `json:"kiosk_id" validate:"required"`
	CommandType   CommandType            `json:"command_type" validate:"required"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Status        CommandStatus          `json:"status"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries" validate:"gte=0"`
	NextAttemptAt time.Time              `json:"next_attempt_at"`
	LastError     string                 `json:"last_error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ExecutedAt    *time.Time             `json:"executed_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}
