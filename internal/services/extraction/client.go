package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/httpclient"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// ErrPipelineDisabled is returned when no extraction endpoint is configured
var ErrPipelineDisabled = errors.New("extraction pipeline endpoint not configured")

type executeRequest struct {
	JobID       string             `json:"job_id"`
	URL         string             `json:"url"`
	Platform    string             `json:"platform"`
	SessionID   string             `json:"session_id"`
	InstanceID  string             `json:"instance_id"`
	TriggerType models.TriggerType `json:"trigger_type"`
	Priority    int                `json:"priority"`
}

// Client calls the external extraction pipeline over HTTP
type Client struct {
	endpoint string
	http     *resty.Client
	logger   arbor.ILogger
}

// NewClient creates a pipeline client. An empty endpoint yields a client whose
// Execute fails fast with ErrPipelineDisabled.
func NewClient(cfg common.ExtractionConfig, logger arbor.ILogger) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     httpclient.NewRestyClient(cfg.Timeout.D(), cfg.UserAgent),
		logger:   logger,
	}
}

// Enabled reports whether an endpoint is configured
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

// Execute posts the job to <endpoint>/execute. Transport failures and non-2xx
// statuses are errors; a pipeline-reported failure is a result with Success=false.
func (c *Client) Execute(ctx context.Context, job *models.CrawlJob) (*models.ExtractionResult, error) {
	if !c.Enabled() {
		return nil, ErrPipelineDisabled
	}

	var result models.ExtractionResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(executeRequest{
			JobID:       job.ID,
			URL:         job.URL,
			Platform:    job.Platform,
			SessionID:   job.SessionID,
			InstanceID:  job.InstanceID,
			TriggerType: job.TriggerType,
			Priority:    job.Priority,
		}).
		SetResult(&result).
		Post(c.endpoint + "/execute")
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("extraction pipeline returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	c.logger.Debug().
		Str("job_id", job.ID).
		Str("url", job.URL).
		Bool("success", result.Success).
		Dur("elapsed", resp.Time()).
		Msg("Extraction pipeline responded")
	return &result, nil
}

var _ interfaces.ExtractionPipeline = (*Client)(nil)
