package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/fleetcrawl/internal/app"
	"github.com/ternarybob/fleetcrawl/internal/browser"
	"github.com/ternarybob/fleetcrawl/internal/common"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser pool and crawl orchestrator",
	Long:  `Starts the orchestrator: reconciles stored instances, recovers running continuous crawls, starts the crawl dispatcher and housekeeping jobs, then runs until interrupted.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	common.PrintBanner(config, logger)

	logger.Debug().
		Str("badger_path", config.Storage.Badger.Path).
		Str("browser_work_dir", config.Browser.WorkDir).
		Bool("headless", config.Browser.Headless).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Str("extraction_endpoint", config.Extraction.Endpoint).
		Msg("Resolved configuration")

	application, err := app.New(config, logger, browser.NewChromeDriver(logger), nil)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}

	logger.Info().
		Strs("config_files", configFiles).
		Msg("FleetCrawl ready - Press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info().Msg("Interrupt signal received, shutting down")
	return nil
}
