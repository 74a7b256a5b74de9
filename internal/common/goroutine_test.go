package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestSafeGo_RunsAndTracksLiveGoroutines(t *testing.T) {
	before := GetGoroutineStats()
	release := make(chan struct{})
	done := make(chan struct{})

	SafeGo(arbor.NewLogger(), "blocking", func() {
		<-release
		close(done)
	})

	assert.Eventually(t, func() bool {
		return GetGoroutineStats().Live > before.Live
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, before.Spawned+1, GetGoroutineCount())

	close(release)
	<-done
	assert.Eventually(t, func() bool {
		return GetGoroutineStats().Live == before.Live
	}, time.Second, 5*time.Millisecond)
}

func TestSafeGo_RecoversPanicAndWritesCrashFile(t *testing.T) {
	previous := CrashLogDir
	CrashLogDir = t.TempDir()
	t.Cleanup(func() { CrashLogDir = previous })

	before := GetGoroutineStats()
	SafeGo(arbor.NewLogger(), "exploding", func() {
		panic("boom")
	})

	require.Eventually(t, func() bool {
		return GetGoroutineStats().Recovered == before.Recovered+1
	}, time.Second, 5*time.Millisecond)

	files, err := filepath.Glob(filepath.Join(CrashLogDir, "crash-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	report, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(report), "goroutine exploding: boom")
	assert.Contains(t, string(report), "FLEETCRAWL CRASH REPORT")
}
