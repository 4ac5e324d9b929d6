// Package tracing is the boundary to the platform event tracing API
// (StartTrace, ControlTrace, EnableTraceEx2, OpenTrace, ProcessTrace,
// CloseTrace). Implementations preserve the platform's numeric error codes
// as Errno values.
package tracing

import (
	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_listener/internal/etw/record"
)

// SessionHandle is the controller TRACEHANDLE returned by StartTrace.
type SessionHandle uint64

// ProcessingHandle is the consumer TRACEHANDLE returned by OpenTrace.
type ProcessingHandle uint64

// InvalidProcessingHandle is INVALID_PROCESSTRACE_HANDLE.
const InvalidProcessingHandle = ProcessingHandle(^uint64(0))

// ControlCode selects the ControlTrace operation.
type ControlCode uint32

const (
	ControlQuery  ControlCode = 0
	ControlStop   ControlCode = 1
	ControlUpdate ControlCode = 2
	ControlFlush  ControlCode = 3
)

func (c ControlCode) String() string {
	switch c {
	case ControlQuery:
		return "query"
	case ControlStop:
		return "stop"
	case ControlUpdate:
		return "update"
	case ControlFlush:
		return "flush"
	}
	return "unknown"
}

// Session log file modes.
const (
	RealTimeMode = 0x00000100
)

// Clock types for SessionConfig.ClockType (WNODE_HEADER.ClientContext).
const (
	ClockQPC        = 1
	ClockSystemTime = 2
	ClockCPUCycle   = 3
)

// ProcessTraceMode is EVENT_TRACE_LOGFILE.ProcessTraceMode.
type ProcessTraceMode uint32

const (
	ProcessTraceModeRealTime     ProcessTraceMode = 0x00000100
	ProcessTraceModeRawTimestamp ProcessTraceMode = 0x00001000
	ProcessTraceModeEventRecord  ProcessTraceMode = 0x10000000
)

// EnableControl is the EnableTraceEx2 control code.
type EnableControl uint32

const (
	EnableControlDisable      EnableControl = 0
	EnableControlEnable       EnableControl = 1
	EnableControlCaptureState EnableControl = 2
)

// EnableProperty flags of ENABLE_TRACE_PARAMETERS.
const (
	EnablePropertySID                 = 0x001
	EnablePropertyTSID                = 0x002
	EnablePropertyStackTrace          = 0x004
	EnablePropertyPSMKey              = 0x008
	EnablePropertyIgnoreKeyword0      = 0x010
	EnablePropertyProviderGroup       = 0x020
	EnablePropertyEnableKeyword0      = 0x040
	EnablePropertyProcessStartKey     = 0x080
	EnablePropertyEventKey            = 0x100
	EnablePropertyExcludeInPrivate    = 0x200
	EnablePropertyEnableSilos         = 0x400
	EnablePropertySourceContainerTrkg = 0x800
)

// FilterTypePID is EVENT_FILTER_TYPE_PID.
const FilterTypePID = 0x80000004

// MaxPIDFilter is MAX_EVENT_FILTER_PID_COUNT.
const MaxPIDFilter = 8

// SessionConfig holds the buffer configuration of a session.
type SessionConfig struct {
	BufferSizeKB   uint32
	MinimumBuffers uint32
	MaximumBuffers uint32
	FlushTimerSec  uint32
	LogFileMode    uint32
	ClockType      uint32
}

// DefaultSessionConfig is a real-time session with 512 KB buffers, 40 to 160
// of them, flushed every second and stamped with QPC.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BufferSizeKB:   512,
		MinimumBuffers: 40,
		MaximumBuffers: 160,
		FlushTimerSec:  1,
		LogFileMode:    RealTimeMode,
		ClockType:      ClockQPC,
	}
}

// Properties is an EVENT_TRACE_PROPERTIES buffer allocated by an API.
// The statistics fields are refreshed by every ControlTrace call.
type Properties struct {
	Name   string
	Config SessionConfig

	NumberOfBuffers     uint32
	FreeBuffers         uint32
	EventsLost          uint32
	BuffersWritten      uint32
	LogBuffersLost      uint32
	RealTimeBuffersLost uint32

	// Native is the allocation owned by the API that produced the buffer.
	Native uintptr
}

// FilterDescriptor is an EVENT_FILTER_DESCRIPTOR whose payload was allocated
// by an API. It must be returned with FreeFilter.
type FilterDescriptor struct {
	Type   uint32
	PIDs   []uint32
	Native uintptr
}

// EnableRequest is one EnableTraceEx2 call.
type EnableRequest struct {
	Provider        guid.GUID
	Control         EnableControl
	Level           uint8
	MatchAnyKeyword uint64
	MatchAllKeyword uint64
	EnableProperty  uint32
	Timeout         uint32
	Filter          *FilterDescriptor
}

// Callbacks are invoked on the goroutine blocked in ProcessTrace.
// Buffer is called after each delivered buffer; returning false ends
// processing. Event is called once per event record.
type Callbacks struct {
	Buffer func() bool
	Event  func(rec *record.EventRecord)
}

// API is the set of platform calls needed to run a real-time session.
type API interface {
	AllocProperties(name string, cfg SessionConfig) (*Properties, error)
	FreeProperties(p *Properties) error

	StartTrace(p *Properties) (SessionHandle, error)
	// ControlTrace addresses the session by handle, or by p.Name when h is 0.
	ControlTrace(h SessionHandle, p *Properties, code ControlCode) error
	EnableTrace(h SessionHandle, req *EnableRequest) error

	AllocPIDFilter(pids []uint32) (*FilterDescriptor, error)
	FreeFilter(f *FilterDescriptor) error

	// OpenTrace keeps cb reachable until CloseTrace.
	OpenTrace(name string, mode ProcessTraceMode, cb *Callbacks) (ProcessingHandle, error)
	// ProcessTrace blocks until the buffer callback returns false, the
	// session stops or the handle is closed.
	ProcessTrace(h ProcessingHandle) error
	CloseTrace(h ProcessingHandle) error
}
