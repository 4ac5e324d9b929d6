package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etw_listener/internal/config"
	"etw_listener/internal/windowsapi"
)

func TestHostPolicy(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.log")
	big := filepath.Join(dir, "big.log")
	require.NoError(t, os.WriteFile(small, make([]byte, 1024), 0644))
	require.NoError(t, os.WriteFile(big, make([]byte, 2*1024*1024), 0644))

	attached := func() bool { return true }
	detached := func() bool { return false }

	tests := []struct {
		name     string
		pc       config.PolicyConfig
		logFile  string
		debugger func() bool
		stop     bool
		maxSize  bool
		attached bool
	}{
		{"nothing configured", config.PolicyConfig{}, small, attached, false, false, true},
		{"debugger attached", config.PolicyConfig{StopWhenDebuggerAttached: true}, "", attached, true, false, true},
		{"debugger detached", config.PolicyConfig{StopWhenDebuggerAttached: true}, "", detached, false, false, false},
		{"file under limit", config.PolicyConfig{MaxDatabaseSizeMB: 1}, small, detached, false, false, false},
		{"file over limit", config.PolicyConfig{MaxDatabaseSizeMB: 1}, big, detached, true, true, false},
		{"missing file", config.PolicyConfig{MaxDatabaseSizeMB: 1}, filepath.Join(dir, "none.log"), detached, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newHostPolicy(tt.pc, tt.logFile, tt.debugger)
			assert.Equal(t, tt.stop, p.ShouldStopCollection())
			assert.Equal(t, tt.maxSize, p.HasReachedMaximumTelemetryDatabaseSize())
			assert.Equal(t, tt.attached, p.IsDebuggerAttached())
		})
	}
}

func TestLogFilePath(t *testing.T) {
	lc := config.DefaultConfig().Logging
	assert.Empty(t, logFilePath(lc), "file output is disabled by default")

	for i := range lc.Outputs {
		if lc.Outputs[i].Type == "file" {
			lc.Outputs[i].Enabled = true
		}
	}
	assert.Equal(t, "logs/etw_listener.log", logFilePath(lc))
}

func TestResolveProcessName(t *testing.T) {
	find := func(name string) (uint32, error) {
		if name == "notepad.exe" {
			return 1234, nil
		}
		return 0, windowsapi.ErrProcessNotFound
	}

	pid, err := resolveProcessName("", find)
	require.NoError(t, err)
	assert.Zero(t, pid)

	pid, err = resolveProcessName("notepad.exe", find)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), pid)

	_, err = resolveProcessName("calc.exe", find)
	assert.True(t, errors.Is(err, windowsapi.ErrProcessNotFound))
}

func TestSystemValues(t *testing.T) {
	s := newSystemValues(quietLogger())
	s.SetSystemValue("IsMaxFileSize", "true")
	snap := s.Snapshot()
	assert.Equal(t, map[string]string{"IsMaxFileSize": "true"}, snap)

	snap["other"] = "x"
	assert.Len(t, s.Snapshot(), 1)
}
