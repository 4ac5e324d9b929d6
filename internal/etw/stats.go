package etwmain

import (
	"sync/atomic"

	"etw_listener/internal/etw/record"
	"etw_listener/internal/etw/tracing"
)

type listenerCounters struct {
	eventsDelivered  atomic.Uint64
	buffersProcessed atomic.Uint64
	providersApplied atomic.Uint64
	staleRecoveries  atomic.Uint64
	dispatchFailures atomic.Uint64
	sessionsStarted  atomic.Uint64
	sessionsEnded    atomic.Uint64
}

// ListenerStats is a snapshot of the listener's own counters. The counters
// are cumulative across Begin/End cycles.
type ListenerStats struct {
	Session          string
	Tracing          bool
	EventsDelivered  uint64
	BuffersProcessed uint64
	ProvidersApplied uint64
	StaleRecoveries  uint64
	DispatchFailures uint64
	SessionsStarted  uint64
	SessionsEnded    uint64
	LiveClones       int64
}

// Stats returns the listener counters without any native call.
func (l *RealtimeListener) Stats() ListenerStats {
	return ListenerStats{
		Session:          l.name,
		Tracing:          l.tracing.Load(),
		EventsDelivered:  l.stats.eventsDelivered.Load(),
		BuffersProcessed: l.stats.buffersProcessed.Load(),
		ProvidersApplied: l.stats.providersApplied.Load(),
		StaleRecoveries:  l.stats.staleRecoveries.Load(),
		DispatchFailures: l.stats.dispatchFailures.Load(),
		SessionsStarted:  l.stats.sessionsStarted.Load(),
		SessionsEnded:    l.stats.sessionsEnded.Load(),
		LiveClones:       record.LiveClones(),
	}
}

// SessionStats are the platform's counters for the running session.
type SessionStats struct {
	NumberOfBuffers     uint32
	FreeBuffers         uint32
	EventsLost          uint32
	BuffersWritten      uint32
	LogBuffersLost      uint32
	RealTimeBuffersLost uint32
}

// QueryStats asks the platform for the session counters. It returns
// ErrNotTracing when no session is running.
func (l *RealtimeListener) QueryStats() (SessionStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return SessionStats{}, ErrNotTracing
	}
	err := l.api.ControlTrace(l.session, l.props, tracing.ControlQuery)
	if err != nil && !tracing.IsErrno(err, tracing.ErrnoMoreData) {
		return SessionStats{}, nativeError("ControlTrace(query)", l.name, err)
	}
	p := l.props
	return SessionStats{
		NumberOfBuffers:     p.NumberOfBuffers,
		FreeBuffers:         p.FreeBuffers,
		EventsLost:          p.EventsLost,
		BuffersWritten:      p.BuffersWritten,
		LogBuffersLost:      p.LogBuffersLost,
		RealTimeBuffersLost: p.RealTimeBuffersLost,
	}, nil
}
