package common

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

// Stamped at link time:
//
//	go build -ldflags "-X github.com/ternarybob/fleetcrawl/internal/common.Version=1.4.0 \
//	    -X github.com/ternarybob/fleetcrawl/internal/common.Commit=$(git rev-parse --short HEAD)"
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

// BuildInfo identifies the running binary in logs, crash files and the version command
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
	Dirty     bool
	GoVersion string
	// Chromedp is the driver module version; page behaviour changes with it
	Chromedp string
}

var (
	buildOnce sync.Once
	buildInfo BuildInfo
)

// GetBuildInfo merges the ldflags values with what the toolchain embedded. Linker values win.
func GetBuildInfo() BuildInfo {
	buildOnce.Do(func() {
		buildInfo = resolveBuildInfo(debug.ReadBuildInfo())
	})
	return buildInfo
}

func resolveBuildInfo(embedded *debug.BuildInfo, ok bool) BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if !ok || embedded == nil {
		return info
	}

	if info.Version == "dev" && embedded.Main.Version != "" && embedded.Main.Version != "(devel)" {
		info.Version = strings.TrimPrefix(embedded.Main.Version, "v")
	}
	for _, s := range embedded.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	for _, dep := range embedded.Deps {
		if dep.Path == "github.com/chromedp/chromedp" {
			info.Chromedp = dep.Version
		}
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	return info
}

// GetVersion returns the release version only
func GetVersion() string {
	return GetBuildInfo().Version
}

// GetFullVersion renders the version with whatever provenance is known, e.g.
// "1.4.0 (commit 3f2a9c1d0b7e+dirty, built 2026-03-02T10:00:00Z)"
func GetFullVersion() string {
	return GetBuildInfo().String()
}

func (b BuildInfo) String() string {
	var parts []string
	if b.Commit != "" {
		commit := "commit " + b.Commit
		if b.Dirty {
			commit += "+dirty"
		}
		parts = append(parts, commit)
	}
	if b.BuildDate != "" {
		parts = append(parts, "built "+b.BuildDate)
	}
	if len(parts) == 0 {
		return b.Version
	}
	return fmt.Sprintf("%s (%s)", b.Version, strings.Join(parts, ", "))
}
