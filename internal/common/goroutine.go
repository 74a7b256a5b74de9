package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

var (
	spawnedGoroutines int64
	liveGoroutines    int64
	recoveredPanics   int64
)

// GetGoroutineCount returns how many goroutines SafeGo has started since process start
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&spawnedGoroutines)
}

// GoroutineStats is a snapshot of SafeGo bookkeeping
type GoroutineStats struct {
	Spawned   int64
	Live      int64
	Recovered int64
}

func GetGoroutineStats() GoroutineStats {
	return GoroutineStats{
		Spawned:   atomic.LoadInt64(&spawnedGoroutines),
		Live:      atomic.LoadInt64(&liveGoroutines),
		Recovered: atomic.LoadInt64(&recoveredPanics),
	}
}

// SafeGo runs fn on its own goroutine. A panic is logged with its stack, written to a
// crash file and swallowed so one bad page event or crawl loop cannot take the fleet down.
//
//	common.SafeGo(logger, "handleNavigation", func() {
//	    app.HandleNavigation(ctx, event)
//	})
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&spawnedGoroutines, 1)
	atomic.AddInt64(&liveGoroutines, 1)

	go func() {
		defer atomic.AddInt64(&liveGoroutines, -1)
		defer recoverGoroutine(logger, name)
		fn()
	}()
}

func recoverGoroutine(logger arbor.ILogger, name string) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, 8192)
	stackTrace := string(buf[:runtime.Stack(buf, false)])
	crashPath := WriteCrashFile(fmt.Sprintf("goroutine %s: %v", name, r), stackTrace)
	atomic.AddInt64(&recoveredPanics, 1)

	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stackTrace)
		return
	}
	logger.Error().
		Str("goroutine", name).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("crash_file", crashPath).
		Str("stack", stackTrace).
		Msg("Recovered from panic in goroutine")
}
