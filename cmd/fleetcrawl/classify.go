package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ternarybob/fleetcrawl/internal/platforms"
	"github.com/ternarybob/fleetcrawl/internal/services/classifier"
)

var classifyPlatform string

var classifyCmd = &cobra.Command{
	Use:   "classify <url>",
	Short: "Print the page classifier verdict for a URL",
	Long:  `Runs the URL-only page classifier (pattern and structure signals) without a browser and prints the classification as JSON.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyPlatform, "platform", "p", "", "Platform name (resolved from the URL host when empty)")
}

func runClassify(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	catalog := platforms.DefaultCatalog()
	if path := config.Platforms.CatalogFile; path != "" {
		if _, err := catalog.LoadFile(path); err != nil {
			return fmt.Errorf("failed to load platform catalog: %w", err)
		}
	}

	c := classifier.NewClassifier(catalog, config.Classifier, logger)
	result := c.Classify(context.Background(), args[0], classifyPlatform, nil)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
