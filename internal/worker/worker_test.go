package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/eventhub/pkg/logger"
)

type fakePurger struct {
	calls atomic.Int32
	err   error
}

func (f *fakePurger) Cleanup(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, f.err
}

type fakeExpirer struct{ calls atomic.Int32 }

func (f *fakeExpirer) ExpireStale(context.Context) (int, error) {
	f.calls.Add(1)
	return 1, nil
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestJobsDelegate(t *testing.T) {
	ctx := context.Background()
	p, e, sw := &fakePurger{}, &fakeExpirer{}, &fakeSweeper{}

	require.NoError(t, NewEventPurgeJob(p).Run(ctx))
	require.NoError(t, NewNotificationExpiryJob(e).Run(ctx))
	require.NoError(t, NewConnectionSweepJob(sw).Run(ctx))

	assert.EqualValues(t, 1, p.calls.Load())
	assert.EqualValues(t, 1, e.calls.Load())
	assert.EqualValues(t, 1, sw.calls.Load())
}

func TestRunNowRecordsFailure(t *testing.T) {
	s := NewScheduler(logger.Nop())
	boom := errors.New("db down")
	job := NewEventPurgeJob(&fakePurger{err: boom})

	err := s.RunNow(context.Background(), job)
	require.ErrorIs(t, err, boom)

	st := s.Status()
	require.Contains(t, st, "event_purge")
	assert.Contains(t, st["event_purge"].Error, "db down")
	assert.False(t, st["event_purge"].LastRun.IsZero())
}

func TestAddRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(logger.Nop())
	assert.Error(t, s.Add("not a schedule", NewNotificationExpiryJob(&fakeExpirer{})))
	assert.NoError(t, s.Add("@every 1m", NewNotificationExpiryJob(&fakeExpirer{})))
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	s := NewScheduler(logger.Nop())
	e := &fakeExpirer{}
	require.NoError(t, s.Add("@every 1s", NewNotificationExpiryJob(e)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return e.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
