package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/fleetcrawl/internal/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := common.GetBuildInfo()
		fmt.Printf("FleetCrawl version %s\n", info)
		fmt.Printf("  go:       %s\n", info.GoVersion)
		if info.Chromedp != "" {
			fmt.Printf("  chromedp: %s\n", info.Chromedp)
		}
	},
}
