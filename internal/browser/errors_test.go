package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/fleetcrawl/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		disconnect bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, true},
		{"target closed", errors.New("Target closed"), true},
		{"websocket", fmt.Errorf("read: %w", errors.New("websocket: close 1006 (abnormal closure)")), true},
		{"no target", errors.New("No target with given id found (-32602)"), true},
		{"already classified", fmt.Errorf("%w: x", models.ErrDriverDisconnected), true},
		{"deadline", context.DeadlineExceeded, false},
		{"script error", errors.New("exception: ReferenceError: foo is not defined"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.disconnect, isDisconnect(tt.err))
			if tt.err == nil {
				assert.NoError(t, classify(tt.err))
			}
		})
	}
}

func TestClassify_PreservesDeadline(t *testing.T) {
	err := classify(fmt.Errorf("navigate: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, models.ErrDriverDisconnected)
}

func TestSameSite(t *testing.T) {
	assert.Equal(t, "Strict", string(sameSite("strict")))
	assert.Equal(t, "None", string(sameSite("NONE")))
	assert.Equal(t, "Lax", string(sameSite("")))
}
