package record

import (
	"unsafe"

	"github.com/Microsoft/go-winio/pkg/guid"
)

// Layouts mirror evntcons.h / evntprov.h. Only 64-bit pointer layouts are
// consumed by the native dispatcher; the structs are also built in Go memory
// by tests, so nothing here is windows-only. Pointer fields are typed
// unsafe.Pointer rather than uintptr so records built in Go memory keep
// their buffers reachable.

// EVENT_HEADER flags.
const (
	EventHeaderFlagExtendedInfo   = 0x0001
	EventHeaderFlagPrivateSession = 0x0002
	EventHeaderFlagStringOnly     = 0x0004
	EventHeaderFlagTraceMessage   = 0x0008
	EventHeaderFlagNoCPUTime      = 0x0010
	EventHeaderFlag32BitHeader    = 0x0020
	EventHeaderFlag64BitHeader    = 0x0040
	EventHeaderFlagClassicHeader  = 0x0100
	EventHeaderFlagProcessorIndex = 0x0200
)

// EVENT_HEADER_EXTENDED_DATA_ITEM types.
const (
	ExtTypeRelatedActivityID = 0x0001
	ExtTypeSID               = 0x0002
	ExtTypeTSID              = 0x0003
	ExtTypeInstanceInfo      = 0x0004
	ExtTypeStackTrace32      = 0x0005
	ExtTypeStackTrace64      = 0x0006
	ExtTypePEBSIndex         = 0x0007
	ExtTypePMCCounters       = 0x0008
	ExtTypePSMKey            = 0x0009
	ExtTypeEventKey          = 0x000A
	ExtTypeEventSchemaTL     = 0x000B
	ExtTypeProvTraits        = 0x000C
	ExtTypeProcessStartKey   = 0x000D
)

// EventRecord is the EVENT_RECORD structure delivered by the per-event callback.
type EventRecord struct {
	EventHeader       EventHeader
	BufferContext     BufferContext
	ExtendedDataCount uint16
	UserDataLength    uint16
	ExtendedData      *ExtendedDataItem
	UserData          unsafe.Pointer
	UserContext       uintptr
}

// EventHeader is EVENT_HEADER.
type EventHeader struct {
	Size            uint16
	HeaderType      uint16
	Flags           uint16
	EventProperty   uint16
	ThreadID        uint32
	ProcessID       uint32
	TimeStamp       int64
	ProviderID      guid.GUID
	EventDescriptor EventDescriptor
	ProcessorTime   uint64
	ActivityID      guid.GUID
}

// EventDescriptor is EVENT_DESCRIPTOR.
type EventDescriptor struct {
	ID      uint16
	Version uint8
	Channel uint8
	Level   uint8
	Opcode  uint8
	Task    uint16
	Keyword uint64
}

// BufferContext is ETW_BUFFER_CONTEXT.
type BufferContext struct {
	ProcessorNumber uint8
	Alignment       uint8
	LoggerID        uint16
}

// ExtendedDataItem is EVENT_HEADER_EXTENDED_DATA_ITEM.
type ExtendedDataItem struct {
	Reserved1      uint16
	ExtType        uint16
	InternalStruct uint16
	DataSize       uint16
	DataPtr        unsafe.Pointer // ULONGLONG, pointer sized on 64-bit
}

const (
	eventRecordSize = int(unsafe.Sizeof(EventRecord{}))

	// Both stack trace variants start with a ULONG64 MatchId.
	stackMatchIDSize = 8
)
