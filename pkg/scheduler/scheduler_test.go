package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := New(nil, testLogger())

	var runs atomic.Int32
	require.NoError(t, s.AddJob("renewals", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Immediate run plus at least three ticks.
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestSchedulerDuplicateJobName(t *testing.T) {
	s := New(nil, testLogger())
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, s.AddJob("retries", time.Minute, noop))
	require.ErrorIs(t, s.AddJob("retries", time.Minute, noop), ErrJobAlreadyRegistered)
}

func TestSchedulerNoJobs(t *testing.T) {
	s := New(nil, testLogger())
	require.ErrorIs(t, s.Start(context.Background()), ErrNoJobs)
}

func TestSchedulerJobErrorDoesNotStopLoop(t *testing.T) {
	s := New(nil, testLogger())

	var runs atomic.Int32
	require.NoError(t, s.AddJob("reminders", 15*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = s.Start(ctx)

	assert.GreaterOrEqual(t, runs.Load(), int32(2), "failing jobs keep their schedule")
}
