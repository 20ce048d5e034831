package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsTasks(t *testing.T) {
	s := NewScheduler()

	var fast, failing atomic.Int32
	s.Add(Task{Name: "fast", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		fast.Add(1)
		return nil
	}})
	s.Add(Task{Name: "failing", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		failing.Add(1)
		return errors.New("boom")
	}})
	s.Add(Task{Name: "disabled", Interval: 0, Run: func(ctx context.Context) error {
		t.Error("disabled task ran")
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return fast.Load() >= 3 && failing.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "fast", status[0].Name)
	assert.GreaterOrEqual(t, status[0].Runs, 3)
	assert.Zero(t, status[0].Failures)
	assert.Equal(t, "failing", status[1].Name)
	assert.Equal(t, status[1].Runs, status[1].Failures)
	assert.Equal(t, "boom", status[1].LastError)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 30*time.Second, Seconds(30))
	assert.Zero(t, Seconds(0))
}
