// Package queue implements the per-kiosk command queue: at-most-once
// execution via the claim primitive, exponential-backoff retry scheduling,
// stale-executor recovery, and terminal-row retention GC.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/lockerr"
	"github.com/lockerctl/lockerctl/internal/storage"
)

// Config narrows the queue's tunables.
type Config struct {
	StaleExecutingThreshold time.Duration
	RetentionPeriod         time.Duration
	BaseBackoff             time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		StaleExecutingThreshold: 120 * time.Second,
		RetentionPeriod:         7 * 24 * time.Hour,
		BaseBackoff:             30 * time.Second,
	}
}

// Queue is the per-kiosk command queue.
type Queue struct {
	store  storage.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New constructs a Queue.
func New(store storage.Store, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, cfg: cfg, now: time.Now, logger: logger.With("component", "queue")}
}

// WithClock overrides the time source, for deterministic tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue persists a new pending command, due immediately.
func (q *Queue) Enqueue(ctx context.Context, kioskID string, cmdType domain.CommandType, payload map[string]interface{}, maxRetries int) (string, error) {
	cmd := &domain.Command{
		KioskID:       kioskID,
		CommandType:   cmdType,
		Payload:       payload,
		Status:        domain.CommandPending,
		MaxRetries:    maxRetries,
		NextAttemptAt: q.now(),
		CreatedAt:     q.now(),
	}
	id, err := q.store.EnqueueCommand(ctx, cmd)
	if err != nil {
		return "", lockerr.Wrap(lockerr.Transient, err)
	}
	return id, nil
}

// FetchPending returns up to limit due, pending commands for kioskID. Read-only.
func (q *Queue) FetchPending(ctx context.Context, kioskID string, limit int) ([]*domain.Command, error) {
	cmds, err := q.store.FetchPendingCommands(ctx, kioskID, limit, q.now())
	if err != nil {
		return nil, lockerr.Wrap(lockerr.Transient, err)
	}
	return cmds, nil
}

// Claim is the sole exclusivity primitive: transitions one command from
// pending to executing. Only one caller succeeds per command.
func (q *Queue) Claim(ctx context.Context, commandID string) (*domain.Command, error) {
	cmd, err := q.store.ClaimCommand(ctx, commandID, q.now())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, lockerr.Wrap(lockerr.Conflict, err)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lockerr.Wrap(lockerr.Validation, err)
		}
		return nil, lockerr.Wrap(lockerr.Transient, err)
	}
	return cmd, nil
}

// Complete marks an executing command completed.
func (q *Queue) Complete(ctx context.Context, commandID string) error {
	if err := q.store.CompleteCommand(ctx, commandID, q.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return lockerr.Wrap(lockerr.Validation, err)
		}
		return lockerr.Wrap(lockerr.Transient, err)
	}
	return nil
}

// Fail records a failed attempt. When retries remain the command is
// rescheduled pending with an exponential backoff; otherwise it becomes
// terminal failed.
func (q *Queue) Fail(ctx context.Context, cmd *domain.Command, failErr string) error {
	terminal := cmd.RetryCount+1 >= cmd.MaxRetries
	next := q.now()
	if !terminal {
		next = q.now().Add(backoff(cmd.RetryCount, q.cfg.BaseBackoff))
	}

	if err := q.store.FailCommand(ctx, cmd.CommandID, failErr, next, terminal); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return lockerr.Wrap(lockerr.Validation, err)
		}
		return lockerr.Wrap(lockerr.Transient, err)
	}
	return nil
}

// backoff computes 2^(retryCount+1) * base, the spec's exact retry formula.
func backoff(retryCount int, base time.Duration) time.Duration {
	factor := math.Pow(2, float64(retryCount+1))
	return time.Duration(factor) * base
}

// Cancel marks a non-terminal command cancelled.
func (q *Queue) Cancel(ctx context.Context, commandID string) error {
	if err := q.store.CancelCommand(ctx, commandID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return lockerr.Wrap(lockerr.Validation, err)
		}
		return lockerr.Wrap(lockerr.Transient, err)
	}
	return nil
}

// ClearPending cancels every pending/executing command for kioskID, used
// when a kiosk restart is detected. Returns the number cleared.
func (q *Queue) ClearPending(ctx context.Context, kioskID string) (int, error) {
	n, err := q.store.ClearPendingCommands(ctx, kioskID, q.now())
	if err != nil {
		return 0, lockerr.Wrap(lockerr.Transient, err)
	}
	return n, nil
}

// RecoverStaleExecuting finds commands stuck executing past the configured
// threshold and fails them with "stale command timeout", re-queueing via
// the retry policy if retries remain. Invoked from the heartbeat manager's
// cleanup loop.
func (q *Queue) RecoverStaleExecuting(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.cfg.StaleExecutingThreshold)
	stale, err := q.store.FindStaleExecuting(ctx, cutoff)
	if err != nil {
		return 0, lockerr.Wrap(lockerr.Transient, err)
	}

	recovered := 0
	for _, cmd := range stale {
		if err := q.Fail(ctx, cmd, "stale command timeout"); err != nil {
			q.logger.Error("failed to recover stale executing command", "command_id", cmd.CommandID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// GCTerminal deletes terminal command rows older than retention_days.
func (q *Queue) GCTerminal(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.cfg.RetentionPeriod)
	n, err := q.store.DeleteTerminalCommandsBefore(ctx, cutoff)
	if err != nil {
		return 0, lockerr.Wrap(lockerr.Transient, err)
	}
	return n, nil
}
