package etwmain

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"etw_listener/internal/etw/record"
	"etw_listener/internal/etw/tracing"
)

// dispatchRun is the state of one ProcessTrace call. The callbacks stay
// reachable from the run until the trace is closed.
type dispatchRun struct {
	l         *RealtimeListener
	handle    tracing.ProcessingHandle
	opened    bool
	callbacks *tracing.Callbacks

	// view is reused for every event and only touched by the dispatch goroutine.
	view record.View

	done     chan struct{}
	ended    atomic.Bool // End was called
	failed   atomic.Bool // the receiver panicked
	panicVal any
	err      error
}

func newDispatchRun(l *RealtimeListener) *dispatchRun {
	run := &dispatchRun{
		l:      l,
		handle: tracing.InvalidProcessingHandle,
		done:   make(chan struct{}),
	}
	run.view.SetDiagnostics(l.diagnostics())
	run.callbacks = &tracing.Callbacks{
		Buffer: run.onBuffer,
		Event:  run.onEvent,
	}
	return run
}

// dispatch blocks in ProcessTrace on a locked OS thread until the buffer
// callback returns false or the session goes away.
func (l *RealtimeListener) dispatch(run *dispatchRun) {
	defer close(run.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.log.Debug().Str("session", l.name).Msg("Dispatch started")
	err := l.api.ProcessTrace(run.handle)

	switch {
	case run.panicVal != nil:
		run.err = &DispatchError{Session: l.name, Panic: run.panicVal}
	case err != nil && !tracing.IsErrno(err, tracing.ErrnoCancelled):
		run.err = &DispatchError{Session: l.name, Err: err}
	}
	if run.err != nil {
		l.stats.dispatchFailures.Add(1)
		l.log.Error().Err(run.err).Str("session", l.name).Msg("Dispatch failed")
	}

	if !run.ended.Load() {
		l.log.Warn().Err(err).Str("session", l.name).Msg("Session processing ended while still tracing")
		if l.onAbnormal != nil {
			l.onAbnormal(l.name, run.err)
		}
	}
	l.log.Debug().Str("session", l.name).Msg("Dispatch exited")
}

func (run *dispatchRun) onBuffer() bool {
	run.l.stats.buffersProcessed.Add(1)
	return run.l.tracing.Load() && !run.ended.Load() && !run.failed.Load()
}

func (run *dispatchRun) onEvent(rec *record.EventRecord) {
	if run.failed.Load() {
		return
	}
	defer run.recoverReceiver()

	run.view.Bind(rec)
	run.l.stats.eventsDelivered.Add(1)
	run.l.receiver.ReceiveEvent(&run.view)
	run.view.Unbind()
}

// recoverReceiver stops dispatch after a receiver panic. A panic cannot
// unwind through the native ProcessTrace frames, so it is turned into a
// DispatchError reported by End.
func (run *dispatchRun) recoverReceiver() {
	r := recover()
	if r == nil {
		return
	}
	run.view.Unbind()
	run.panicVal = r
	run.failed.Store(true)
	run.l.log.Error().Str("session", run.l.name).Str("panic", fmt.Sprint(r)).Msg("Receiver panicked, stopping dispatch")
}
