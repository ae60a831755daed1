package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New("not a cron spec", func(context.Context) error { return nil }, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a cron spec")
}

func TestNew_NextBeforeRun(t *testing.T) {
	s, err := New("@daily", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	assert.True(t, s.Next().IsZero())
}

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	ran := make(chan struct{}, 10)
	s, err := New("@every 1s", func(ctx context.Context) error {
		ran <- struct{}{}
		return errors.New("sync failed")
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run never fired")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, s.failed, 1)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, err := New("@every 1s", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run never fired")
	}
	// At least two more ticks fire while the first run is blocked.
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	close(release)
	cancel()
	require.NoError(t, <-done)
}
