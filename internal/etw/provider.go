package etwmain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_listener/internal/config"
	"etw_listener/internal/etw/guids"
	"etw_listener/internal/etw/tracing"
)

// TraceLevel is the maximum event level a provider should log.
type TraceLevel uint8

const (
	LevelAlways      TraceLevel = 0
	LevelCritical    TraceLevel = 1
	LevelError       TraceLevel = 2
	LevelWarning     TraceLevel = 3
	LevelInformation TraceLevel = 4
	LevelVerbose     TraceLevel = 5
)

var levelNames = map[string]TraceLevel{
	"always":      LevelAlways,
	"critical":    LevelCritical,
	"error":       LevelError,
	"warning":     LevelWarning,
	"information": LevelInformation,
	"info":        LevelInformation,
	"verbose":     LevelVerbose,
}

// ParseTraceLevel accepts a level name or a number between 0 and 255.
func ParseTraceLevel(s string) (TraceLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if lvl, ok := levelNames[s]; ok {
		return lvl, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid trace level %q", s)
	}
	return TraceLevel(n), nil
}

// ProviderSettings describes how one provider is enabled on a session.
// It is an immutable value; the With methods return modified copies.
type ProviderSettings struct {
	name            string
	id              guid.GUID
	level           TraceLevel
	matchAnyKeyword uint64
	matchAllKeyword uint64
	stackTrace      bool
	processID       uint32
}

// NewProviderSettings returns settings for provider id.
func NewProviderSettings(id guid.GUID, level TraceLevel, matchAnyKeyword, matchAllKeyword uint64) ProviderSettings {
	return ProviderSettings{
		id:              id,
		level:           level,
		matchAnyKeyword: matchAnyKeyword,
		matchAllKeyword: matchAllKeyword,
	}
}

// WithStackTrace requests a call stack on every event of the provider.
func (p ProviderSettings) WithStackTrace() ProviderSettings {
	p.stackTrace = true
	return p
}

// WithProcessFilter limits the provider to events logged by pid. Zero
// removes the filter.
func (p ProviderSettings) WithProcessFilter(pid uint32) ProviderSettings {
	p.processID = pid
	return p
}

// WithName attaches a display name used in logs.
func (p ProviderSettings) WithName(name string) ProviderSettings {
	p.name = name
	return p
}

func (p ProviderSettings) GUID() guid.GUID         { return p.id }
func (p ProviderSettings) Level() TraceLevel       { return p.level }
func (p ProviderSettings) MatchAnyKeyword() uint64 { return p.matchAnyKeyword }
func (p ProviderSettings) MatchAllKeyword() uint64 { return p.matchAllKeyword }
func (p ProviderSettings) StackTrace() bool        { return p.stackTrace }
func (p ProviderSettings) ProcessID() uint32       { return p.processID }

// Name returns the display name, or the GUID when none was set.
func (p ProviderSettings) Name() string {
	if p.name != "" {
		return p.name
	}
	return p.id.String()
}

func (p ProviderSettings) String() string {
	return fmt.Sprintf("%s level=%d any=%#x all=%#x stacks=%t pid=%d",
		p.Name(), p.level, p.matchAnyKeyword, p.matchAllKeyword, p.stackTrace, p.processID)
}

func (p ProviderSettings) enableRequest() *tracing.EnableRequest {
	req := &tracing.EnableRequest{
		Provider:        p.id,
		Control:         tracing.EnableControlEnable,
		Level:           uint8(p.level),
		MatchAnyKeyword: p.matchAnyKeyword,
		MatchAllKeyword: p.matchAllKeyword,
	}
	if p.stackTrace {
		req.EnableProperty |= tracing.EnablePropertyStackTrace
	}
	return req
}

// ProviderSettingsFromConfig converts a [[providers]] entry. A well-known
// provider may omit its guid. pid overrides the configured pid when non-zero,
// which is how the host applies a resolved process_name.
func ProviderSettingsFromConfig(pc config.ProviderConfig, pid uint32) (ProviderSettings, error) {
	id, err := guids.Resolve(pc.GUID, pc.Name)
	if err != nil {
		return ProviderSettings{}, fmt.Errorf("provider %q: %w", pc.Name, err)
	}
	level, err := ParseTraceLevel(pc.Level)
	if err != nil {
		return ProviderSettings{}, fmt.Errorf("provider %q: %w", pc.Name, err)
	}

	s := NewProviderSettings(id, level, pc.MatchAnyKeyword, pc.MatchAllKeyword).WithName(pc.Name)
	if pc.StackTrace {
		s = s.WithStackTrace()
	}
	if pid == 0 {
		pid = pc.PID
	}
	return s.WithProcessFilter(pid), nil
}
