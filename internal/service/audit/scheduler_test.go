package audit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScheduler_RunsJobs(t *testing.T) {
	scheduler := NewScheduler(zap.NewNop())

	var runs atomic.Int64
	scheduler.AddJob(Job{
		Name:     "counter",
		Interval: 100 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	scheduler.Start(context.Background())
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_StatusTracksFailures(t *testing.T) {
	scheduler := NewScheduler(zap.NewNop())

	scheduler.AddJob(Job{
		Name:     "failing",
		Interval: 50 * time.Millisecond,
		Run: func(ctx context.Context) error {
			return assert.AnError
		},
	})

	scheduler.Start(context.Background())
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		for _, status := range scheduler.Status() {
			if status.Name == "failing" && status.RunCount > 0 {
				return status.LastError != ""
			}
		}
		return false
	}, 5*time.Second, 25*time.Millisecond)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	scheduler := NewScheduler(zap.NewNop())
	scheduler.AddJob(Job{
		Name:     "noop",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { return nil },
	})

	scheduler.Start(context.Background())
	scheduler.Stop()
	scheduler.Stop()
}
