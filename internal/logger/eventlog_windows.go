package logger

import (
	"fmt"

	"github.com/phuslu/log"

	"etw_listener/internal/config"
)

func eventlogOutput(out config.LogOutput) (log.Writer, error) {
	e := out.Eventlog
	if e == nil {
		return nil, fmt.Errorf("missing eventlog configuration")
	}
	if e.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	return withAsync(&log.EventlogWriter{
		Source: e.Source,
		ID:     uintptr(e.ID),
		Host:   e.Host,
	}, e.Async), nil
}
