package etwmain

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/phuslu/log"

	"etw_listener/internal/etw/tracing"
	"etw_listener/internal/logger"
)

const processTraceMode = tracing.ProcessTraceModeRealTime |
	tracing.ProcessTraceModeEventRecord |
	tracing.ProcessTraceModeRawTimestamp

// RealtimeListener owns one named real-time session. It starts the session,
// enables providers on it and delivers every event to a receiver from a
// dedicated dispatch goroutine.
//
// Providers enabled before Begin are queued and applied, in order, when the
// session starts. Begin and End are idempotent and safe to call from any
// goroutine.
type RealtimeListener struct {
	name              string
	receiver          EventRecordReceiver
	api               tracing.API
	log               log.Logger
	cfg               tracing.SessionConfig
	joinTimeout       time.Duration
	stringDiagnostics bool
	onAbnormal        AbnormalShutdownHandler
	poller            *policyPoller

	mu      sync.Mutex
	active  bool
	started bool // StartTrace succeeded for the current attempt
	pending []ProviderSettings
	applied []ProviderSettings
	props   *tracing.Properties
	session tracing.SessionHandle
	run     *dispatchRun

	// tracing is read by the buffer callback; false stops dispatch.
	tracing atomic.Bool
	stats   listenerCounters
}

// NewRealtimeListener creates a listener for the session name. Nothing
// native happens until Begin.
func NewRealtimeListener(name string, receiver EventRecordReceiver, opts ...Option) *RealtimeListener {
	l := &RealtimeListener{
		name:        name,
		receiver:    receiver,
		log:         logger.NewListenerLogger("etw_listener"),
		cfg:         tracing.DefaultSessionConfig(),
		joinTimeout: defaultJoinTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.api == nil {
		l.api = tracing.NewAPI()
	}
	return l
}

func (l *RealtimeListener) Name() string { return l.name }

// IsTracing reports whether the session is started and dispatch has not been
// told to stop.
func (l *RealtimeListener) IsTracing() bool { return l.tracing.Load() }

// Begin starts the session, opens it for processing, applies queued
// providers and starts dispatch. It does nothing if the session is already
// running. On error every native resource acquired so far is released.
func (l *RealtimeListener) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return nil
	}

	l.log.Info().Str("session", l.name).Int("queued_providers", len(l.pending)).Msg("Starting real-time session")
	queued := l.pending
	if err := l.setupTrace(); err != nil {
		l.abortSetup()
		l.pending = queued
		l.applied = nil
		l.log.Error().Err(err).Str("session", l.name).Msg("Failed to start real-time session")
		return err
	}

	l.active = true
	l.stats.sessionsStarted.Add(1)
	go l.dispatch(l.run)

	if l.poller != nil {
		run := l.run
		l.poller.start(l.log, func() (bool, error) { return l.endRun(run) })
	}
	l.log.Info().Str("session", l.name).Int("providers", len(l.applied)).Msg("Real-time session started")
	return nil
}

func (l *RealtimeListener) setupTrace() error {
	props, err := l.api.AllocProperties(l.name, l.cfg)
	if err != nil {
		return nativeError("AllocProperties", l.name, err)
	}
	l.props = props

	l.tracing.Store(true)
	if err := l.startSession(); err != nil {
		return err
	}
	l.started = true

	l.run = newDispatchRun(l)
	h, err := l.api.OpenTrace(l.name, processTraceMode, l.run.callbacks)
	if err != nil {
		return nativeError("OpenTrace", l.name, err)
	}
	l.run.handle = h
	l.run.opened = true

	queued := l.pending
	l.pending = nil
	for _, p := range queued {
		if err := l.enableProvider(p); err != nil {
			return err
		}
	}
	return nil
}

// startSession starts the session, stopping a stale session with the same
// name and retrying once if the name is taken.
func (l *RealtimeListener) startSession() error {
	h, err := l.api.StartTrace(l.props)
	if err == nil {
		l.session = h
		return nil
	}
	if !errors.Is(err, tracing.ErrnoAlreadyExists) {
		return nativeError("StartTrace", l.name, err)
	}

	l.log.Warn().Str("session", l.name).Msg("Session already exists, stopping the stale session")
	if err := l.stopStaleSession(); err != nil {
		return err
	}
	l.stats.staleRecoveries.Add(1)

	h, err = l.api.StartTrace(l.props)
	if err != nil {
		if errors.Is(err, tracing.ErrnoNoSystemResources) {
			return &ResourceExhaustedError{Op: "StartTrace", Session: l.name, Err: err}
		}
		return &SessionCollisionError{Session: l.name, Err: err}
	}
	l.session = h
	return nil
}

func (l *RealtimeListener) stopStaleSession() error {
	props, err := l.api.AllocProperties(l.name, l.cfg)
	if err != nil {
		return nativeError("AllocProperties", l.name, err)
	}
	defer l.api.FreeProperties(props)

	err = l.api.ControlTrace(0, props, tracing.ControlStop)
	if err != nil && !tracing.IsErrno(err, tracing.ErrnoWMIInstanceNotFound, tracing.ErrnoMoreData) {
		return nativeError("ControlTrace(stop stale)", l.name, err)
	}
	return nil
}

// abortSetup releases whatever setupTrace acquired before failing.
func (l *RealtimeListener) abortSetup() {
	l.tracing.Store(false)
	if l.started {
		if err := l.api.ControlTrace(l.session, l.props, tracing.ControlStop); err != nil {
			l.log.Debug().Err(err).Str("session", l.name).Msg("Stop after failed start")
		}
	}
	if l.run != nil && l.run.opened {
		l.run.ended.Store(true)
		if err := l.api.CloseTrace(l.run.handle); err != nil {
			l.log.Debug().Err(err).Str("session", l.name).Msg("Close after failed start")
		}
	}
	if err := l.api.FreeProperties(l.props); err != nil {
		l.log.Warn().Err(err).Str("session", l.name).Msg("Failed to free session properties")
	}
	l.reset()
}

func (l *RealtimeListener) reset() {
	l.active = false
	l.started = false
	l.props = nil
	l.session = 0
	l.run = nil
}

// EnableProvider applies p to the running session, or queues it until Begin.
func (l *RealtimeListener) EnableProvider(p ProviderSettings) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		l.pending = append(l.pending, p)
		l.log.Debug().Str("session", l.name).Str("provider", p.String()).Msg("Provider queued until session start")
		return nil
	}
	return l.enableProvider(p)
}

func (l *RealtimeListener) enableProvider(p ProviderSettings) error {
	req := p.enableRequest()
	if pid := p.ProcessID(); pid != 0 {
		filter, err := l.api.AllocPIDFilter([]uint32{pid})
		if err != nil {
			return nativeError("AllocPIDFilter", l.name, err)
		}
		defer l.api.FreeFilter(filter)
		req.Filter = filter
	}

	if err := l.api.EnableTrace(l.session, req); err != nil {
		return nativeError("EnableTraceEx2("+p.Name()+")", l.name, err)
	}
	l.applied = append(l.applied, p)
	l.stats.providersApplied.Add(1)
	l.log.Debug().Str("session", l.name).Str("provider", p.String()).Msg("Provider enabled")
	return nil
}

// DisableProvider removes a queued provider, or disables it on the running
// session. Disabling a provider that is not enabled is not an error.
func (l *RealtimeListener) DisableProvider(id guid.GUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	match := func(p ProviderSettings) bool { return p.GUID() == id }
	if !l.active {
		l.pending = slices.DeleteFunc(l.pending, match)
		return nil
	}

	req := &tracing.EnableRequest{Provider: id, Control: tracing.EnableControlDisable}
	err := l.api.EnableTrace(l.session, req)
	if err != nil && !tracing.IsErrno(err, tracing.ErrnoNotFound) {
		return nativeError("EnableTraceEx2(disable)", l.name, err)
	}
	l.applied = slices.DeleteFunc(l.applied, match)
	return nil
}

// PendingProviders returns the providers queued for the next Begin.
func (l *RealtimeListener) PendingProviders() []ProviderSettings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pending)
}

// EnabledProviders returns the providers applied to the running session.
func (l *RealtimeListener) EnabledProviders() []ProviderSettings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.applied)
}

// End flushes the session, stops dispatch, optionally waits for the dispatch
// goroutine, then stops and closes the session. Every step runs even if an
// earlier one failed; the combined error is returned. End does nothing if
// the session is not running.
//
// The wait is bounded by the join timeout. Pass false when the caller cannot
// block, for example while the process is crashing.
func (l *RealtimeListener) End(waitForThreads bool) error {
	if l.poller != nil {
		l.poller.stop()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return nil
	}
	return l.endLocked(waitForThreads)
}

// endRun ends the session only if run is still the current dispatch. A
// policy decision taken for an earlier Begin never ends a later session.
func (l *RealtimeListener) endRun(run *dispatchRun) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active || l.run != run {
		return false, nil
	}
	return true, l.endLocked(true)
}

func (l *RealtimeListener) endLocked(waitForThreads bool) error {
	l.log.Info().Str("session", l.name).Bool("wait", waitForThreads).Msg("Ending real-time session")

	run := l.run
	var errs []error

	if err := l.api.ControlTrace(l.session, l.props, tracing.ControlFlush); err != nil &&
		!tracing.IsErrno(err, tracing.ErrnoWMIInstanceNotFound) {
		errs = append(errs, nativeError("ControlTrace(flush)", l.name, err))
	}

	run.ended.Store(true)
	l.tracing.Store(false)

	if waitForThreads {
		if err := l.join(run); err != nil {
			errs = append(errs, err)
		}
	}

	if err := l.api.ControlTrace(l.session, l.props, tracing.ControlStop); err != nil &&
		!tracing.IsErrno(err, tracing.ErrnoMoreData, tracing.ErrnoWMIInstanceNotFound) {
		errs = append(errs, nativeError("ControlTrace(stop)", l.name, err))
	}
	if err := l.api.CloseTrace(run.handle); err != nil && !tracing.IsErrno(err, tracing.ErrnoCtxClosePending) {
		errs = append(errs, nativeError("CloseTrace", l.name, err))
	}
	if err := l.api.FreeProperties(l.props); err != nil {
		errs = append(errs, nativeError("FreeProperties", l.name, err))
	}

	l.applied = nil
	l.reset()
	l.stats.sessionsEnded.Add(1)

	err := errors.Join(errs...)
	if err != nil {
		l.log.Error().Err(err).Str("session", l.name).Msg("Real-time session ended with errors")
	} else {
		l.log.Info().Str("session", l.name).Msg("Real-time session ended")
	}
	return err
}

// join waits for run to finish, up to the join timeout.
func (l *RealtimeListener) join(run *dispatchRun) error {
	timer := time.NewTimer(l.joinTimeout)
	defer timer.Stop()

	select {
	case <-run.done:
		return run.err
	case <-timer.C:
		l.log.Warn().Err(ErrJoinTimeout).
			Str("session", l.name).
			Dur("timeout", l.joinTimeout).
			Msg("Dispatch goroutine did not exit, continuing teardown")
		return nil
	}
}
