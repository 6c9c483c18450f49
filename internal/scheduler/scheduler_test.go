package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Config{Timezone: "UTC"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timezone != "Local" {
		t.Errorf("Timezone = %v, want Local", cfg.Timezone)
	}
}

func TestNewScheduler(t *testing.T) {
	t.Run("with valid timezone", func(t *testing.T) {
		s, err := NewScheduler(Config{Timezone: "America/New_York"})
		require.NoError(t, err)
		assert.Equal(t, "America/New_York", s.GetStats().Timezone)
	})

	t.Run("with invalid timezone uses local", func(t *testing.T) {
		s, err := NewScheduler(Config{Timezone: "Invalid/Timezone"})
		require.NoError(t, err)
		assert.Equal(t, time.Local.String(), s.GetStats().Timezone)
	})
}

func TestScheduler_Register(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(ctx context.Context) error { return nil }

	tests := []struct {
		name    string
		task    *Task
		wantErr bool
	}{
		{"valid", IntervalTask("tick", "Tick", time.Minute, noop), false},
		{"duplicate", IntervalTask("tick", "Tick", time.Minute, noop), true},
		{"missing id", IntervalTask("", "x", time.Minute, noop), true},
		{"missing handler", IntervalTask("x", "x", time.Minute, nil), true},
		{"zero interval", IntervalTask("y", "y", 0, noop), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Register(tt.task)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			task, ok := s.GetTask(tt.task.ID)
			require.True(t, ok)
			assert.True(t, task.Enabled)
			assert.Equal(t, 5*time.Minute, task.Timeout)
			assert.NotNil(t, task.NextRun)
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _ := NewScheduler(DefaultConfig())
	require.NoError(t, s.Register(IntervalTask("a", "A", time.Hour, func(ctx context.Context) error { return nil })))

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.Equal(t, 1, s.GetStats().RunningTasks)

	require.NoError(t, s.Stop())
	assert.False(t, s.GetStats().Started)
	require.NoError(t, s.Stop())
}

func TestScheduler_IntervalExecution(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _ := NewScheduler(DefaultConfig())
	var count int32
	done := make(chan struct{})
	require.NoError(t, s.Register(IntervalTask("tick", "Tick", 10*time.Millisecond, func(ctx context.Context) error {
		if atomic.AddInt32(&count, 1) == 2 {
			close(done)
		}
		return nil
	})))
	require.NoError(t, s.Start())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run twice")
	}
	s.Stop()

	task, _ := s.GetTask("tick")
	assert.GreaterOrEqual(t, task.RunCount, int64(2))
}

func TestScheduler_RunNowRecordsErrors(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	require.NoError(t, s.Register(IntervalTask("fail", "Fail", time.Hour, func(ctx context.Context) error {
		defer close(done)
		return errors.New("boom")
	})))

	require.NoError(t, s.RunNow("fail"))
	<-done
	require.Eventually(t, func() bool {
		task, _ := s.GetTask("fail")
		return task.ErrorCount == 1
	}, time.Second, 5*time.Millisecond)

	task, _ := s.GetTask("fail")
	assert.Equal(t, "boom", task.LastError)
	assert.Error(t, s.RunNow("missing"))
}

func TestScheduler_Unregister(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Register(IntervalTask("a", "A", time.Hour, func(ctx context.Context) error { return nil })))
	require.NoError(t, s.Start())
	require.NoError(t, s.Unregister("a"))

	_, ok := s.GetTask("a")
	assert.False(t, ok)
	assert.Empty(t, s.ListTasks())
	assert.NoError(t, s.Unregister("missing"))
}

func TestScheduler_CalculateNextRun(t *testing.T) {
	s, _ := NewScheduler(Config{Timezone: "UTC"})

	before := time.Now()
	next := s.calculateNextRun(Schedule{Type: ScheduleInterval, Interval: time.Hour})
	assert.WithinDuration(t, before.Add(time.Hour), next, time.Second)

	daily := s.calculateNextRun(Schedule{Type: ScheduleDaily, At: "03:30"})
	assert.Equal(t, 3, daily.Hour())
	assert.Equal(t, 30, daily.Minute())
	assert.True(t, daily.After(before))
	assert.True(t, daily.Before(before.Add(24*time.Hour+time.Minute)))
}

func TestDailyTask(t *testing.T) {
	task := DailyTask("cleanup", "Cleanup", "04:00", func(ctx context.Context) error { return nil })
	assert.Equal(t, ScheduleDaily, task.Schedule.Type)
	assert.Equal(t, "04:00", task.Schedule.At)
}
