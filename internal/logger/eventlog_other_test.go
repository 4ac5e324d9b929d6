//go:build !windows

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"etw_listener/internal/config"
)

func TestEventlogOutputUnavailable(t *testing.T) {
	_, err := createWriter(config.LogOutput{
		Type:     "eventlog",
		Enabled:  true,
		Eventlog: &config.EventlogConfig{Source: "ETW Listener"},
	})
	assert.ErrorIs(t, err, errEventlogUnsupported)
}
