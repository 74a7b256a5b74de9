package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/ternarybob/fleetcrawl/internal/models"
)

// disconnectMarkers are substrings of CDP and websocket errors raised when the
// target or the browser process has gone away
var disconnectMarkers = []string{
	"target closed",
	"no target with given id",
	"websocket: close",
	"use of closed network connection",
	"broken pipe",
	"connection reset",
	"session with given id not found",
	"browser has been closed",
}

// classify wraps driver errors meaning the page or context is gone with models.ErrDriverDisconnected
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrDriverDisconnected) {
		return err
	}
	if errors.Is(err, chromedp.ErrInvalidContext) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", models.ErrDriverDisconnected, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", models.ErrDriverDisconnected, err)
		}
	}
	return err
}

func isDisconnect(err error) bool {
	return err != nil && errors.Is(classify(err), models.ErrDriverDisconnected)
}
