package taskloop_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/taskloop"
)

func TestLoop_RunsTaskRepeatedlyAndStopsOnCancel(t *testing.T) {
	var runs int32
	task := taskloop.Task{
		Name:     "test-task",
		Interval: 10 * time.Millisecond,
		Run: func(_ context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}

	loop := taskloop.New(nil, task)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	loop.Start(ctx)
	loop.Wait()

	require.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
}

func TestLoop_SkipsOverlappingRuns(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32

	task := taskloop.Task{
		Name:     "slow-task",
		Interval: 5 * time.Millisecond,
		Run: func(_ context.Context) error {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur {
					break
				}
				if atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil
		},
	}

	loop := taskloop.New(nil, task)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	loop.Start(ctx)
	loop.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}
