//go:build !windows

package logger

import (
	"errors"

	"github.com/phuslu/log"

	"etw_listener/internal/config"
)

var errEventlogUnsupported = errors.New("the Windows event log is not available on this platform")

func eventlogOutput(config.LogOutput) (log.Writer, error) {
	return nil, errEventlogUnsupported
}
