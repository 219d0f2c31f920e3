package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/ratelimit"
)

type recordingSink struct{ events []*domain.Event }

func (r *recordingSink) AppendEvent(_ context.Context, e *domain.Event) (int64, error) {
	r.events = append(r.events, e)
	return int64(len(r.events)), nil
}

func fixedLimiter(t *testing.T, at time.Time) *ratelimit.Limiter {
	t.Helper()
	return ratelimit.New(ratelimit.DefaultConfig(), nil, nil).WithClock(func() time.Time { return at })
}

func TestCheck_AllowsWithinBucket(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := fixedLimiter(t, now)

	r := l.Check(ratelimit.DimensionQRDevice, "device-1")
	require.True(t, r.Allowed)
}

func TestCheck_ExhaustsBucketThenBlocks(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := fixedLimiter(t, now)

	cfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionQRDevice]

	for i := 0; i < int(cfg.MaxTokens); i++ {
		r := l.Check(ratelimit.DimensionQRDevice, "device-1")
		require.True(t, r.Allowed, "attempt %d should still have tokens", i)
	}

	r := l.Check(ratelimit.DimensionQRDevice, "device-1")
	require.False(t, r.Allowed)
	require.Greater(t, r.RetryAfter, time.Duration(0))
}

func TestCheck_ViolationEscalatesToBlock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := fixedLimiter(t, now)
	cfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionQRDevice]

	for i := 0; i < int(cfg.MaxTokens); i++ {
		l.Check(ratelimit.DimensionQRDevice, "device-1")
	}
	for i := 0; i < cfg.ViolationLimit; i++ {
		l.Check(ratelimit.DimensionQRDevice, "device-1")
	}

	r := l.Check(ratelimit.DimensionQRDevice, "device-1")
	require.False(t, r.Allowed)
	require.GreaterOrEqual(t, r.RetryAfter, cfg.BlockDuration-time.Second)
}

func TestCheck_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := now
	l := ratelimit.New(ratelimit.DefaultConfig(), nil, nil).WithClock(func() time.Time { return cur })

	cfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionQRDevice]
	for i := 0; i < int(cfg.MaxTokens); i++ {
		l.Check(ratelimit.DimensionQRDevice, "device-1")
	}
	r := l.Check(ratelimit.DimensionQRDevice, "device-1")
	require.False(t, r.Allowed)

	cur = cur.Add(21 * time.Second)
	r = l.Check(ratelimit.DimensionQRDevice, "device-1")
	require.True(t, r.Allowed)
}

func TestCheck_RefillNeverExceedsMaxTokens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := now
	l := ratelimit.New(ratelimit.DefaultConfig(), nil, nil).WithClock(func() time.Time { return cur })
	cfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionIP]

	// One initial check to seed the bucket, then let an enormous amount of
	// time pass before consuming again.
	l.Check(ratelimit.DimensionIP, "10.0.0.1")
	cur = cur.Add(365 * 24 * time.Hour)
	r := l.Check(ratelimit.DimensionIP, "10.0.0.1")
	require.True(t, r.Allowed)
	require.LessOrEqual(t, r.Remaining, cfg.MaxTokens)
}

func TestCheckQR_ShortCircuitsOnFirstFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := fixedLimiter(t, now)

	ipCfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionIP]
	for i := 0; i < int(ipCfg.MaxTokens); i++ {
		l.Check(ratelimit.DimensionIP, "1.2.3.4")
	}

	r := l.CheckQR(context.Background(), "1.2.3.4", "L1", "device-1")
	require.False(t, r.Allowed)

	lockerR := l.Check(ratelimit.DimensionLocker, "L1")
	require.True(t, lockerR.Allowed, "locker bucket must be untouched since ip failed first")
}

func TestCheckQR_QRDeviceFailureDoesNotConsumeIPOrLockerTokens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := fixedLimiter(t, now)

	qrCfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionQRDevice]
	for i := 0; i < int(qrCfg.MaxTokens); i++ {
		l.Check(ratelimit.DimensionQRDevice, "device-1")
	}

	ipCfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionIP]
	lockerCfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionLocker]

	r := l.CheckQR(context.Background(), "1.2.3.4", "L1", "device-1")
	require.False(t, r.Allowed, "qr_device bucket is already exhausted")

	ipR := l.Check(ratelimit.DimensionIP, "1.2.3.4")
	require.True(t, ipR.Allowed)
	require.Equal(t, ipCfg.MaxTokens-1, ipR.Remaining, "ip token must not have been consumed by the failed CheckQR")

	lockerR := l.Check(ratelimit.DimensionLocker, "L1")
	require.True(t, lockerR.Allowed)
	require.Equal(t, lockerCfg.MaxTokens-1, lockerR.Remaining, "locker token must not have been consumed by the failed CheckQR")
}

func TestCheckQR_ConsumesAllThreeOnSuccess(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := fixedLimiter(t, now)

	r := l.CheckQR(context.Background(), "9.9.9.9", "L2", "device-2")
	require.True(t, r.Allowed)

	ipCfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionIP]
	ipR := l.Check(ratelimit.DimensionIP, "9.9.9.9")
	require.True(t, ipR.Allowed)
	require.Equal(t, ipCfg.MaxTokens-2, ipR.Remaining, "CheckQR must have consumed one ip token before this second check consumes another")
}

func TestReset_ClearsStateAndEmitsEvent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	l := ratelimit.New(ratelimit.DefaultConfig(), sink, nil).WithClock(func() time.Time { return now })

	cfg := ratelimit.DefaultConfig().Dimensions[ratelimit.DimensionQRDevice]
	for i := 0; i < int(cfg.MaxTokens)+1; i++ {
		l.Check(ratelimit.DimensionQRDevice, "device-1")
	}

	require.NoError(t, l.Reset(context.Background(), ratelimit.DimensionQRDevice, "device-1", "staff-1"))
	require.Len(t, sink.events, 1)

	r := l.Check(ratelimit.DimensionQRDevice, "device-1")
	require.True(t, r.Allowed)
}

func TestGC_EvictsStaleState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := now
	l := ratelimit.New(ratelimit.DefaultConfig(), nil, nil).WithClock(func() time.Time { return cur })

	l.Check(ratelimit.DimensionQRDevice, "device-1")

	cur = cur.Add(ratelimit.DefaultConfig().CleanupInterval + time.Hour)
	n := l.GC()
	require.Equal(t, 1, n)
}
