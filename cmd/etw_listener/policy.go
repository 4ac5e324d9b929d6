package main

import (
	"maps"
	"os"
	"sync"

	"github.com/phuslu/log"

	"etw_listener/internal/config"
)

// hostPolicy stops collection when a debugger attaches to the host or when
// the log file grows past the configured size.
type hostPolicy struct {
	stopOnDebugger bool
	maxSizeBytes   int64
	logFile        string
	debuggerCheck  func() bool
}

func newHostPolicy(pc config.PolicyConfig, logFile string, debuggerCheck func() bool) *hostPolicy {
	return &hostPolicy{
		stopOnDebugger: pc.StopWhenDebuggerAttached,
		maxSizeBytes:   pc.MaxDatabaseSizeMB * 1024 * 1024,
		logFile:        logFile,
		debuggerCheck:  debuggerCheck,
	}
}

func (p *hostPolicy) ShouldStopCollection() bool {
	return (p.stopOnDebugger && p.IsDebuggerAttached()) || p.HasReachedMaximumTelemetryDatabaseSize()
}

func (p *hostPolicy) IsDebuggerAttached() bool {
	return p.debuggerCheck != nil && p.debuggerCheck()
}

func (p *hostPolicy) HasReachedMaximumTelemetryDatabaseSize() bool {
	if p.maxSizeBytes <= 0 || p.logFile == "" {
		return false
	}
	fi, err := os.Stat(p.logFile)
	if err != nil {
		return false
	}
	return fi.Size() >= p.maxSizeBytes
}

// logFilePath returns the filename of the first enabled file output.
func logFilePath(lc config.LoggingConfig) string {
	for _, o := range lc.Outputs {
		if o.Enabled && o.Type == "file" && o.File != nil {
			return o.File.Filename
		}
	}
	return ""
}

// systemValues records the annotations a stopped session leaves behind.
type systemValues struct {
	log    log.Logger
	mu     sync.Mutex
	values map[string]string
}

func newSystemValues(lg log.Logger) *systemValues {
	return &systemValues{log: lg, values: make(map[string]string)}
}

func (s *systemValues) SetSystemValue(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.log.Warn().Str("key", key).Str("value", value).Msg("Collection stopped by policy")
}

func (s *systemValues) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}
