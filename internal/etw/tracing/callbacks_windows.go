//go:build windows && (amd64 || arm64)

package tracing

import (
	"sync/atomic"

	"golang.org/x/sys/windows"

	"etw_listener/internal/etw/record"
	"etw_listener/internal/maps"
)

// The native callbacks are created once per process; windows.NewCallback
// slots are never freed. Each opened trace gets a registry key, stored in
// EVENT_TRACE_LOGFILE.Context and handed back as EVENT_RECORD.UserContext.
var (
	bufferCallbackPtr      = windows.NewCallback(bufferCallback)
	eventRecordCallbackPtr = windows.NewCallback(eventRecordCallback)

	callbackRegistry = maps.NewConcurrentMap[uintptr, *Callbacks]()
	nextCallbackKey  atomic.Uintptr
)

func registerCallbacks(cb *Callbacks) uintptr {
	key := nextCallbackKey.Add(1)
	callbackRegistry.Store(key, cb)
	return key
}

func unregisterCallbacks(key uintptr) {
	callbackRegistry.Delete(key)
}

// bufferCallback is an PEVENT_TRACE_BUFFER_CALLBACKW. Returning 0 makes
// ProcessTrace return.
func bufferCallback(lf *eventTraceLogfile) uintptr {
	cb, ok := callbackRegistry.Load(lf.Context)
	if !ok {
		return 0
	}
	if cb.Buffer == nil || cb.Buffer() {
		return 1
	}
	return 0
}

// eventRecordCallback is an PEVENT_RECORD_CALLBACK.
func eventRecordCallback(rec *record.EventRecord) uintptr {
	if cb, ok := callbackRegistry.Load(rec.UserContext); ok && cb.Event != nil {
		cb.Event(rec)
	}
	return 0
}
