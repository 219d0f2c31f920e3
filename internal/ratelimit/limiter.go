// Package ratelimit implements the multi-dimensional token-bucket throttle:
// per-dimension buckets, violation tracking with block escalation, and a
// composite gate for QR access. All state is in-process memory, per spec —
// buckets re-establish within one refill window after a restart.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lockerctl/lockerctl/internal/domain"
)

// Dimension identifies which bucket family a check applies to.
type Dimension string

const (
	DimensionIP        Dimension = "ip"
	DimensionRFIDCard  Dimension = "rfid_card"
	DimensionLocker    Dimension = "locker"
	DimensionQRDevice  Dimension = "qr_device"
)

// DimensionConfig sets one dimension's bucket size, refill rate, and the
// violation threshold/duration that escalates a rejection streak into a block.
type DimensionConfig struct {
	MaxTokens         float64
	RefillRate        float64 // tokens per second
	ViolationLimit    int
	BlockDuration     time.Duration
}

// Config narrows the rate limiter's tunables, one entry per dimension.
type Config struct {
	Dimensions      map[Dimension]DimensionConfig
	CleanupInterval time.Duration
}

// DefaultConfig returns the spec's documented per-dimension defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 60 * time.Minute,
		Dimensions: map[Dimension]DimensionConfig{
			DimensionIP:       {MaxTokens: 30, RefillRate: 30.0 / 60, ViolationLimit: 10, BlockDuration: 5 * time.Minute},
			DimensionRFIDCard: {MaxTokens: 60, RefillRate: 60.0 / 60, ViolationLimit: 10, BlockDuration: 10 * time.Minute},
			DimensionLocker:   {MaxTokens: 6, RefillRate: 6.0 / 60, ViolationLimit: 10, BlockDuration: 15 * time.Minute},
			DimensionQRDevice: {MaxTokens: 1, RefillRate: 1.0 / 20, ViolationLimit: 5, BlockDuration: 20 * time.Minute},
		},
	}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type violation struct {
	count          int
	blockExpiresAt time.Time
	lastActivity   time.Time
}

// EventSink is the subset of the event log the rate limiter writes audit entries to.
type EventSink interface {
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)
}

// Result is the outcome of a single dimension check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64
}

// Limiter is the multi-dimensional token-bucket rate limiter.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	buckets    map[string]*bucket
	violations map[string]*violation
	now        func() time.Time
	events     EventSink
	logger     *slog.Logger
}

// New constructs a Limiter.
func New(cfg Config, events EventSink, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:        cfg,
		buckets:    make(map[string]*bucket),
		violations: make(map[string]*violation),
		now:        time.Now,
		events:     events,
		logger:     logger.With("component", "ratelimit"),
	}
}

// WithClock overrides the time source, for deterministic tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func key(dim Dimension, subject string) string {
	return fmt.Sprintf("%s:%s", dim, subject)
}

// Check refills the bucket for (dimension, subject), then consumes one
// token if available. A blocked key short-circuits with the remaining block
// duration as retry_after.
func (l *Limiter) Check(dim Dimension, subject string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	dimCfg, ok := l.cfg.Dimensions[dim]
	if !ok {
		return Result{Allowed: false}
	}
	k := key(dim, subject)
	now := l.now()

	if v, exists := l.violations[k]; exists && now.Before(v.blockExpiresAt) {
		return Result{Allowed: false, RetryAfter: v.blockExpiresAt.Sub(now)}
	}

	b, exists := l.buckets[k]
	if !exists {
		b = &bucket{tokens: dimCfg.MaxTokens, lastRefill: now}
		l.buckets[k] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens = math.Min(dimCfg.MaxTokens, b.tokens+elapsed*dimCfg.RefillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		if v, exists := l.violations[k]; exists {
			v.lastActivity = now
		}
		return Result{Allowed: true, Remaining: b.tokens}
	}

	retryAfter := time.Duration(math.Ceil((1-b.tokens)/dimCfg.RefillRate)) * time.Second
	l.recordViolation(k, dim, now, dimCfg)
	return Result{Allowed: false, RetryAfter: retryAfter, Remaining: b.tokens}
}

func (l *Limiter) recordViolation(k string, dim Dimension, now time.Time, dimCfg DimensionConfig) {
	v, exists := l.violations[k]
	if !exists {
		v = &violation{}
		l.violations[k] = v
	}
	v.count++
	v.lastActivity = now

	if v.count >= dimCfg.ViolationLimit {
		v.blockExpiresAt = now.Add(dimCfg.BlockDuration)
		l.logger.Warn("rate limit violation threshold crossed, blocking key", "dimension", dim, "key", k, "duration", dimCfg.BlockDuration)
	}
}

// CheckQR performs the composite gate for QR access: ip, then locker, then
// qr_device, in that order. The first failure short-circuits; all three
// tokens are consumed only if all three pass, so a qr_device rejection never
// leaves the ip or locker buckets debited.
func (l *Limiter) CheckQR(ctx context.Context, ip, lockerKey, deviceKey string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := [...]struct {
		dim     Dimension
		subject string
	}{
		{DimensionIP, ip},
		{DimensionLocker, lockerKey},
		{DimensionQRDevice, deviceKey},
	}

	type ready struct {
		k      string
		b      *bucket
		dimCfg DimensionConfig
	}
	var prepared [len(checks)]ready

	for i, c := range checks {
		dimCfg, ok := l.cfg.Dimensions[c.dim]
		if !ok {
			return Result{Allowed: false}
		}
		k := key(c.dim, c.subject)

		if v, exists := l.violations[k]; exists && now.Before(v.blockExpiresAt) {
			return Result{Allowed: false, RetryAfter: v.blockExpiresAt.Sub(now)}
		}

		b, exists := l.buckets[k]
		if !exists {
			b = &bucket{tokens: dimCfg.MaxTokens, lastRefill: now}
			l.buckets[k] = b
		} else {
			elapsed := now.Sub(b.lastRefill).Seconds()
			b.tokens = math.Min(dimCfg.MaxTokens, b.tokens+elapsed*dimCfg.RefillRate)
			b.lastRefill = now
		}

		if b.tokens < 1 {
			retryAfter := time.Duration(math.Ceil((1-b.tokens)/dimCfg.RefillRate)) * time.Second
			l.recordViolation(k, c.dim, now, dimCfg)
			return Result{Allowed: false, RetryAfter: retryAfter, Remaining: b.tokens}
		}

		prepared[i] = ready{k: k, b: b, dimCfg: dimCfg}
	}

	// Every dimension had an available token as of now; consume all three.
	var result Result
	for _, p := range prepared {
		p.b.tokens--
		if v, exists := l.violations[p.k]; exists {
			v.lastActivity = now
		}
		result = Result{Allowed: true, Remaining: p.b.tokens}
	}
	return result
}

// Reset clears both the bucket and violation state for a key and emits an
// audit event recording the admin who performed the reset.
func (l *Limiter) Reset(ctx context.Context, dim Dimension, subject, admin string) error {
	l.mu.Lock()
	k := key(dim, subject)
	delete(l.buckets, k)
	delete(l.violations, k)
	l.mu.Unlock()

	if l.events == nil {
		return nil
	}
	_, err := l.events.AppendEvent(ctx, &domain.Event{
		Timestamp: l.now(),
		EventType: domain.EventRateLimitReset,
		StaffUser: admin,
		Details:   map[string]interface{}{"dimension": string(dim), "subject": subject},
	})
	return err
}

// GC evicts buckets and violations whose last activity exceeds cleanup_interval.
func (l *Limiter) GC() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.CleanupInterval)
	evicted := 0

	for k, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			if v, exists := l.violations[k]; !exists || v.lastActivity.Before(cutoff) {
				delete(l.buckets, k)
				delete(l.violations, k)
				evicted++
			}
		}
	}
	for k, v := range l.violations {
		if _, stillBucketed := l.buckets[k]; !stillBucketed && v.lastActivity.Before(cutoff) {
			delete(l.violations, k)
		}
	}
	return evicted
}
