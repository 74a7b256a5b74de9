package httpclient

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
	}
}

// NewRestyClient creates a JSON client for the extraction and notification endpoints.
// Connection errors and 5xx responses are retried twice with a short backoff.
func NewRestyClient(timeout time.Duration, userAgent string) *resty.Client {
	client := resty.NewWithClient(NewDefaultHTTPClient(timeout)).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	if userAgent != "" {
		client.SetHeader("User-Agent", userAgent)
	}
	return client
}
