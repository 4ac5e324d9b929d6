package etwmain

import (
	"time"

	"github.com/phuslu/log"

	"etw_listener/internal/etw/record"
	"etw_listener/internal/etw/tracing"
)

const defaultJoinTimeout = 60 * time.Second

// Option configures a RealtimeListener.
type Option func(*RealtimeListener)

// WithAPI replaces the platform API, mostly for tests.
func WithAPI(api tracing.API) Option {
	return func(l *RealtimeListener) { l.api = api }
}

// WithLogger sets the logger used for lifecycle and dispatch diagnostics.
func WithLogger(lg log.Logger) Option {
	return func(l *RealtimeListener) { l.log = lg }
}

// WithBufferConfig overrides the session buffer configuration.
func WithBufferConfig(cfg tracing.SessionConfig) Option {
	return func(l *RealtimeListener) { l.cfg = cfg }
}

// WithJoinTimeout bounds how long End waits for the dispatch goroutine.
func WithJoinTimeout(d time.Duration) Option {
	return func(l *RealtimeListener) {
		if d > 0 {
			l.joinTimeout = d
		}
	}
}

// WithStringDiagnostics sanitizes strings read through delivered views and
// logs a warning for each truncated one.
func WithStringDiagnostics(enabled bool) Option {
	return func(l *RealtimeListener) { l.stringDiagnostics = enabled }
}

// WithAbnormalShutdownHandler registers fn for sessions that end while
// still expected to be tracing.
func WithAbnormalShutdownHandler(fn AbnormalShutdownHandler) Option {
	return func(l *RealtimeListener) { l.onAbnormal = fn }
}

// WithCollectionPolicy polls policy after initialDelay and then every
// interval while the session is tracing, ending it when the policy says so.
// sctx may be nil.
func WithCollectionPolicy(policy CollectionPolicy, sctx SessionContext, initialDelay, interval time.Duration) Option {
	return func(l *RealtimeListener) {
		if policy == nil {
			return
		}
		l.poller = newPolicyPoller(policy, sctx, initialDelay, interval)
	}
}

func (l *RealtimeListener) diagnostics() *record.Diagnostics {
	if !l.stringDiagnostics {
		return nil
	}
	return &record.Diagnostics{Log: l.log}
}
