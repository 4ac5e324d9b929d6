package etwmain

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
)

const (
	DefaultPolicyInitialDelay = 30 * time.Second
	DefaultPolicyInterval     = 180 * time.Second
)

// System values recorded on the SessionContext when a policy stops collection.
const (
	SystemValueDebuggerAttached = "IsDebuggerAttached"
	SystemValueMaxFileSize      = "IsMaxFileSize"
)

// CollectionPolicy decides whether a running collection should stop.
type CollectionPolicy interface {
	ShouldStopCollection() bool
}

// CollectionDiagnostics is optionally implemented by a CollectionPolicy to
// explain why it stopped collection.
type CollectionDiagnostics interface {
	IsDebuggerAttached() bool
	HasReachedMaximumTelemetryDatabaseSize() bool
}

// SessionContext receives annotations about why a session was stopped.
type SessionContext interface {
	SetSystemValue(key, value string)
}

// policyPoller asks a CollectionPolicy, on a timer, whether to end the
// session. It runs only while the session is tracing.
type policyPoller struct {
	policy       CollectionPolicy
	sctx         SessionContext
	initialDelay time.Duration
	interval     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newPolicyPoller(policy CollectionPolicy, sctx SessionContext, initialDelay, interval time.Duration) *policyPoller {
	if initialDelay <= 0 {
		initialDelay = DefaultPolicyInitialDelay
	}
	if interval <= 0 {
		interval = DefaultPolicyInterval
	}
	return &policyPoller{
		policy:       policy,
		sctx:         sctx,
		initialDelay: initialDelay,
		interval:     interval,
	}
}

// start begins polling. end is called at most once per start, and reports
// whether it ended the session it was started for.
func (p *policyPoller) start(lg log.Logger, end func() (bool, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx, lg, end)
}

// stop cancels the poll loop without waiting for it. A check already running
// may still call end, which ignores it once the session has moved on.
func (p *policyPoller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *policyPoller) run(ctx context.Context, lg log.Logger, end func() (bool, error)) {
	timer := time.NewTimer(p.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		stop := p.policy.ShouldStopCollection()
		if ctx.Err() != nil {
			return
		}
		if !stop {
			timer.Reset(p.interval)
			continue
		}

		lg.Info().Msg("Collection policy requested stop, ending session")
		ended, err := end()
		if err != nil {
			lg.Error().Err(err).Msg("Failed to end session after policy stop")
		}
		if !ended {
			lg.Debug().Msg("Session already replaced, policy stop ignored")
			return
		}
		p.annotate()
		return
	}
}

func (p *policyPoller) annotate() {
	diag, ok := p.policy.(CollectionDiagnostics)
	if !ok || p.sctx == nil {
		return
	}
	if diag.IsDebuggerAttached() {
		p.sctx.SetSystemValue(SystemValueDebuggerAttached, "true")
	}
	if diag.HasReachedMaximumTelemetryDatabaseSize() {
		p.sctx.SetSystemValue(SystemValueMaxFileSize, "true")
	}
}
