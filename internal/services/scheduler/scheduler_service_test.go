package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRegisterJob_Validation(t *testing.T) {
	s := NewService(arbor.NewLogger())
	defer s.Stop()

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.RegisterJob("sweep", "@every 5m", "expire instances", noop))
	assert.Error(t, s.RegisterJob("sweep", "@every 5m", "duplicate", noop))
	assert.Error(t, s.RegisterJob("broken", "every five minutes", "bad schedule", noop))

	require.NoError(t, s.RegisterJob("manual", "", "trigger only", noop))
	status, err := s.GetJobStatus("manual")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
}

func TestRunJob_RecordsOutcome(t *testing.T) {
	s := NewService(arbor.NewLogger())
	defer s.Stop()

	fail := true
	require.NoError(t, s.RegisterJob("prune", "@every 1h", "prune history", func(context.Context) error {
		if fail {
			return errors.New("store unavailable")
		}
		return nil
	}))

	assert.Error(t, s.RunJob("prune"))
	status, err := s.GetJobStatus("prune")
	require.NoError(t, err)
	assert.Equal(t, "store unavailable", status.LastError)
	assert.Equal(t, int64(1), status.Runs)
	require.NotNil(t, status.LastRun)

	fail = false
	require.NoError(t, s.RunJob("prune"))
	status, _ = s.GetJobStatus("prune")
	assert.Empty(t, status.LastError)
	assert.Equal(t, int64(2), status.Runs)

	assert.Error(t, s.RunJob("unknown"))
}

func TestRunJob_RecoversPanic(t *testing.T) {
	s := NewService(arbor.NewLogger())
	defer s.Stop()

	require.NoError(t, s.RegisterJob("stats", "", "log stats", func(context.Context) error {
		panic("boom")
	}))
	err := s.RunJob("stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	status, _ := s.GetJobStatus("stats")
	assert.False(t, status.IsRunning)
}

func TestTriggerJob_SkipsOverlappingRuns(t *testing.T) {
	s := NewService(arbor.NewLogger())

	release := make(chan struct{})
	var runs int32
	require.NoError(t, s.RegisterJob("slow", "", "blocks", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	require.NoError(t, s.TriggerJob("slow"))
	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus("slow")
		return status.IsRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.RunJob("slow"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	close(release)
	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestStartStop(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("sweep", "@every 1h", "expire instances", func(context.Context) error { return nil }))

	s.Start()
	assert.True(t, s.IsRunning())
	statuses := s.GetAllJobStatuses()
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].NextRun)

	s.Stop()
	assert.False(t, s.IsRunning())
}
