//go:build windows && (amd64 || arm64)

package tracing

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"etw_listener/internal/maps"
)

var (
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")

	procStartTraceW    = modadvapi32.NewProc("StartTraceW")
	procControlTraceW  = modadvapi32.NewProc("ControlTraceW")
	procEnableTraceEx2 = modadvapi32.NewProc("EnableTraceEx2")
	procOpenTraceW     = modadvapi32.NewProc("OpenTraceW")
	procProcessTrace   = modadvapi32.NewProc("ProcessTrace")
	procCloseTrace     = modadvapi32.NewProc("CloseTrace")
)

// LPTR = LMEM_FIXED | LMEM_ZEROINIT
const lptr = 0x0040

// Logger and log file names are limited to 1024 UTF-16 units each.
const maxNameUnits = 1024

type windowsAPI struct {
	// processing handle -> callback registry key
	contexts maps.ConcurrentMap[ProcessingHandle, uintptr]
}

// NewAPI returns the advapi32.dll implementation.
func NewAPI() API {
	return &windowsAPI{contexts: maps.NewConcurrentMap[ProcessingHandle, uintptr]()}
}

func lastErrno(err error) Errno {
	var en syscall.Errno
	if errors.As(err, &en) && en != 0 {
		return Errno(en)
	}
	return ErrnoInvalidParameter
}

func (a *windowsAPI) AllocProperties(name string, cfg SessionConfig) (*Properties, error) {
	units, err := windows.UTF16FromString(name)
	if err != nil {
		return nil, err
	}
	if len(units) > maxNameUnits {
		return nil, ErrnoBadLength
	}

	mem, err := windows.LocalAlloc(lptr, propertiesSize+propertiesNameSpace)
	if err != nil {
		return nil, err
	}
	p := &Properties{Name: name, Config: cfg, Native: mem}
	writeProperties(p, units)
	return p, nil
}

func (a *windowsAPI) FreeProperties(p *Properties) error {
	if p == nil || p.Native == 0 {
		return nil
	}
	_, err := windows.LocalFree(windows.Handle(p.Native))
	p.Native = 0
	return err
}

// writeProperties resets the native buffer from p. The logger name is
// stored right after the structure.
func writeProperties(p *Properties, name []uint16) {
	size := propertiesSize + propertiesNameSpace
	clear(unsafe.Slice((*byte)(unsafe.Pointer(p.Native)), size))

	props := (*eventTraceProperties)(unsafe.Pointer(p.Native))
	props.Wnode.BufferSize = size
	props.Wnode.Flags = wnodeFlagTracedGUID
	props.Wnode.ClientContext = p.Config.ClockType
	props.BufferSize = p.Config.BufferSizeKB
	props.MinimumBuffers = p.Config.MinimumBuffers
	props.MaximumBuffers = p.Config.MaximumBuffers
	props.LogFileMode = p.Config.LogFileMode
	props.FlushTimer = p.Config.FlushTimerSec
	props.LoggerNameOffset = propertiesSize
	props.LogFileNameOffset = propertiesSize + propertiesNameSpace/2

	dst := unsafe.Slice((*uint16)(unsafe.Add(unsafe.Pointer(p.Native), propertiesSize)), maxNameUnits)
	copy(dst, name)
}

func readProperties(p *Properties) {
	props := (*eventTraceProperties)(unsafe.Pointer(p.Native))
	p.NumberOfBuffers = props.NumberOfBuffers
	p.FreeBuffers = props.FreeBuffers
	p.EventsLost = props.EventsLost
	p.BuffersWritten = props.BuffersWritten
	p.LogBuffersLost = props.LogBuffersLost
	p.RealTimeBuffersLost = props.RealTimeBuffersLost
}

func (a *windowsAPI) StartTrace(p *Properties) (SessionHandle, error) {
	if p == nil || p.Native == 0 {
		return 0, ErrnoInvalidParameter
	}
	name, err := windows.UTF16FromString(p.Name)
	if err != nil {
		return 0, err
	}
	writeProperties(p, name)

	var h SessionHandle
	r, _, _ := procStartTraceW.Call(
		uintptr(unsafe.Pointer(&h)),
		uintptr(unsafe.Pointer(&name[0])),
		p.Native)
	if r != 0 {
		return 0, Errno(r)
	}
	readProperties(p)
	return h, nil
}

func (a *windowsAPI) ControlTrace(h SessionHandle, p *Properties, code ControlCode) error {
	if p == nil || p.Native == 0 {
		return ErrnoInvalidParameter
	}
	var name *uint16
	if h == 0 {
		var err error
		if name, err = windows.UTF16PtrFromString(p.Name); err != nil {
			return err
		}
	}
	r, _, _ := procControlTraceW.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(name)),
		p.Native,
		uintptr(code))
	if r == 0 || Errno(r) == ErrnoMoreData {
		readProperties(p)
	}
	return errnoOrNil(r)
}

func (a *windowsAPI) EnableTrace(h SessionHandle, req *EnableRequest) error {
	params := enableTraceParameters{
		Version:        enableTraceParametersVersion2,
		EnableProperty: req.EnableProperty,
	}
	var filter eventFilterDescriptor
	if req.Filter != nil && req.Filter.Native != 0 {
		filter = eventFilterDescriptor{
			Ptr:  uint64(req.Filter.Native),
			Size: uint32(4 * len(req.Filter.PIDs)),
			Type: req.Filter.Type,
		}
		params.EnableFilterDesc = &filter
		params.FilterDescCount = 1
	}

	provider := windows.GUID(req.Provider)
	r, _, _ := procEnableTraceEx2.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(&provider)),
		uintptr(req.Control),
		uintptr(req.Level),
		uintptr(req.MatchAnyKeyword),
		uintptr(req.MatchAllKeyword),
		uintptr(req.Timeout),
		uintptr(unsafe.Pointer(&params)))
	return errnoOrNil(r)
}

func (a *windowsAPI) AllocPIDFilter(pids []uint32) (*FilterDescriptor, error) {
	if len(pids) == 0 || len(pids) > MaxPIDFilter {
		return nil, ErrnoInvalidParameter
	}
	mem, err := windows.LocalAlloc(lptr, uint32(4*len(pids)))
	if err != nil {
		return nil, err
	}
	copy(unsafe.Slice((*uint32)(unsafe.Pointer(mem)), len(pids)), pids)
	return &FilterDescriptor{
		Type:   FilterTypePID,
		PIDs:   append([]uint32(nil), pids...),
		Native: mem,
	}, nil
}

func (a *windowsAPI) FreeFilter(f *FilterDescriptor) error {
	if f == nil || f.Native == 0 {
		return nil
	}
	_, err := windows.LocalFree(windows.Handle(f.Native))
	f.Native = 0
	return err
}

func (a *windowsAPI) OpenTrace(name string, mode ProcessTraceMode, cb *Callbacks) (ProcessingHandle, error) {
	loggerName, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return InvalidProcessingHandle, err
	}

	key := registerCallbacks(cb)
	lf := eventTraceLogfile{
		LoggerName:       loggerName,
		ProcessTraceMode: uint32(mode),
		BufferCallback:   bufferCallbackPtr,
		Callback:         eventRecordCallbackPtr,
		Context:          key,
	}
	r, _, callErr := procOpenTraceW.Call(uintptr(unsafe.Pointer(&lf)))
	h := ProcessingHandle(r)
	if h == InvalidProcessingHandle {
		unregisterCallbacks(key)
		return InvalidProcessingHandle, lastErrno(callErr)
	}
	a.contexts.Store(h, key)
	return h, nil
}

func (a *windowsAPI) ProcessTrace(h ProcessingHandle) error {
	handles := [1]ProcessingHandle{h}
	r, _, _ := procProcessTrace.Call(uintptr(unsafe.Pointer(&handles[0])), 1, 0, 0)
	return errnoOrNil(r)
}

func (a *windowsAPI) CloseTrace(h ProcessingHandle) error {
	r, _, _ := procCloseTrace.Call(uintptr(h))
	if key, ok := a.contexts.LoadAndDelete(h); ok {
		unregisterCallbacks(key)
	}
	return errnoOrNil(r)
}
