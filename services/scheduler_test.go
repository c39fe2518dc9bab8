package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTriggerSkipsRunningJob(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), Job{Name: "crawl_bunjang", Interval: time.Hour, Run: func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}})
	ctx := context.Background()

	require.NoError(t, s.Trigger(ctx, "crawl_bunjang"))
	assert.True(t, s.Running("crawl_bunjang"))
	assert.ErrorIs(t, s.Trigger(ctx, "crawl_bunjang"), ErrAlreadyRunning)

	close(release)
	s.Wait()
	assert.False(t, s.Running("crawl_bunjang"))
	assert.Equal(t, int32(1), runs.Load())

	require.NoError(t, s.Trigger(ctx, "crawl_bunjang"))
	s.Wait()
	assert.Equal(t, int32(2), runs.Load())

	assert.ErrorIs(t, s.Trigger(ctx, "nope"), ErrUnknownJob)
}

func TestSchedulerRunsOnInterval(t *testing.T) {
	var fast, slow atomic.Int32
	s := NewScheduler(zap.NewNop(),
		Job{Name: "fast", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Job{Name: "slow", Interval: time.Hour, Run: func(context.Context) error {
			slow.Add(1)
			return nil
		}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(1), slow.Load())
}

func TestTriggerRefusedAfterShutdown(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), Job{Name: "pipeline", Interval: time.Hour, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Trigger(cancelled, "pipeline"), ErrSchedulerStopped)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()
	<-done

	assert.ErrorIs(t, s.Trigger(context.Background(), "pipeline"), ErrSchedulerStopped)
	s.Wait()
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, s.Running("pipeline"))
}
