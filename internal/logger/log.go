// Package logger configures the phuslu/log default logger from the
// [logging] section and hands out per-component copies of it.
package logger

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"etw_listener/internal/config"
)

// NOTE: use example: log = logger.NewLoggerWithContext("etw_listener")

// listenerLevel is the level of loggers created with NewListenerLogger.
// It follows the default level until ConfigureLogging sets it.
var listenerLevel atomic.Int32

func init() {
	listenerLevel.Store(-1)
}

// ParseLevel converts a level name to a log.Level.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info", "":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

func parseTimeLocation(location string) (*time.Location, error) {
	switch location {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(location)
}

// mapTimeFormat maps the "Unix" and "UnixMs" shorthands to phuslu formats.
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// ConfigureLogging replaces log.DefaultLogger with one built from cfg. On
// error the default logger is left untouched.
func ConfigureLogging(cfg config.LoggingConfig) error {
	level, err := ParseLevel(cfg.Defaults.Level)
	if err != nil {
		return fmt.Errorf("logging.defaults.level: %w", err)
	}
	listener := int32(-1)
	if cfg.ListenerLevel != "" {
		lvl, err := ParseLevel(cfg.ListenerLevel)
		if err != nil {
			return fmt.Errorf("logging.listener_level: %w", err)
		}
		listener = int32(lvl)
	}
	loc, err := parseTimeLocation(cfg.Defaults.TimeLocation)
	if err != nil {
		return fmt.Errorf("logging.defaults.time_location: %w", err)
	}

	writer, err := newOutputWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	log.DefaultLogger = log.Logger{
		Level:        level,
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: loc,
		Writer:       writer,
	}
	listenerLevel.Store(listener)

	log.Info().
		Str("app_level", level.String()).
		Str("listener_level", cfg.ListenerLevel).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")
	return nil
}

// NewLoggerWithContext copies the DefaultLogger and tags it with component.
// Call it after ConfigureLogging, since the copy does not follow later
// changes to the default logger.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0, // component loggers all log from the same helpers
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}

// NewListenerLogger is NewLoggerWithContext with the level taken from
// logging.listener_level, so the session core can be traced at debug level
// without raising every other component.
func NewListenerLogger(component string) log.Logger {
	l := NewLoggerWithContext(component)
	if lvl := listenerLevel.Load(); lvl >= 0 {
		l.Level = log.Level(lvl)
	}
	return l
}
