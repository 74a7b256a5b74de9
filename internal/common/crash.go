// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is where crash files are written. Set by InstallCrashHandler.
var CrashLogDir = "./logs"

// InstallCrashHandler prepares the crash directory. Pair with a deferred RecoverWithCrashFile in main.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}
	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// WriteCrashFile writes a crash report and returns its path ("" when the file could not be written)
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	crashPath := filepath.Join(CrashLogDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05.000")))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var report bytes.Buffer
	fmt.Fprintf(&report, "=== FLEETCRAWL CRASH REPORT ===\n")
	fmt.Fprintf(&report, "Time: %s\nVersion: %s\n\n", time.Now().Format(time.RFC3339), GetFullVersion())
	fmt.Fprintf(&report, "=== PANIC VALUE ===\n%v\n\n", panicVal)
	fmt.Fprintf(&report, "=== STACK TRACE ===\n%s\n", stackTrace)
	fmt.Fprintf(&report, "=== SYSTEM INFO ===\n")
	stats := GetGoroutineStats()
	fmt.Fprintf(&report, "NumGoroutine: %d\nSafeGo spawned: %d live: %d recovered: %d\n",
		runtime.NumGoroutine(), stats.Spawned, stats.Live, stats.Recovered)
	fmt.Fprintf(&report, "Alloc: %d MB\nSys: %d MB\n", memStats.Alloc/1024/1024, memStats.Sys/1024/1024)

	if err := os.WriteFile(crashPath, report.Bytes(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n%s", err, report.String())
		return ""
	}
	return crashPath
}

// RecoverWithCrashFile is a deferred panic handler for main.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		buf := make([]byte, 8192)
		n := runtime.Stack(buf, false)
		crashPath := WriteCrashFile(r, string(buf[:n]))
		fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\nPanic: %v\n", crashPath, r)
		os.Exit(1)
	}
}
