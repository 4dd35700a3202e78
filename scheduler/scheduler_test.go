package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	s := New(context.Background())
	assert.Error(t, s.Every("bad", 0, 0, func(context.Context) error { return nil }))
}

func TestRunNow_RunsEveryLoop(t *testing.T) {
	s := New(context.Background())
	var a, b int32
	require.NoError(t, s.Every("a", time.Hour, 0, func(context.Context) error { atomic.AddInt32(&a, 1); return nil }))
	require.NoError(t, s.Every("b", time.Hour, 0, func(context.Context) error {
		atomic.AddInt32(&b, 1)
		return errors.New("failed run is logged")
	}))

	s.RunNow()
	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background())
	var after int32
	require.NoError(t, s.Every("boom", time.Hour, 0, func(context.Context) error { panic("boom") }))
	require.NoError(t, s.Every("after", time.Hour, 0, func(context.Context) error { atomic.AddInt32(&after, 1); return nil }))

	assert.NotPanics(t, s.RunNow)
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs int32
	require.NoError(t, s.Every("slow", time.Hour, 0, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		<-release
		return nil
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunNow()
	}()
	<-started
	s.RunNow() // returns immediately: the first run still holds the loop
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestTaskContextHasTimeout(t *testing.T) {
	s := New(context.Background())
	var deadline time.Time
	require.NoError(t, s.Every("t", time.Hour, time.Minute, func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	}))
	s.RunNow()
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestCancelledContextSkipsRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx)
	var runs int32
	require.NoError(t, s.Every("x", time.Hour, 0, func(context.Context) error { atomic.AddInt32(&runs, 1); return nil }))
	cancel()
	s.RunNow()
	assert.Zero(t, atomic.LoadInt32(&runs))
}

func TestStartStop(t *testing.T) {
	s := New(context.Background())
	var runs int32
	require.NoError(t, s.Every("tick", time.Second, 0, func(context.Context) error { atomic.AddInt32(&runs, 1); return nil }))
	s.Start()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
