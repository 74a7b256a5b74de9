package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the effective limits
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("FleetCrawl", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("go_version", GetBuildInfo().GoVersion).
		Str("environment", config.Environment).
		Int("max_per_platform", config.Pool.MaxInstancesPerPlatform).
		Int("max_total", config.Pool.MaxTotalInstances).
		Int("queue_workers", config.Queue.Workers).
		Str("badger_path", config.Storage.Badger.Path).
		Msg("FleetCrawl starting")
}
