// Package watcher restarts a real-time session that ended without being
// asked to, either because another process stopped it or because its
// dispatch goroutine failed.
package watcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"etw_listener/internal/config"
	etwmain "etw_listener/internal/etw"
	"etw_listener/internal/logger"
)

// Restarter is the part of the listener the watcher drives.
type Restarter interface {
	Name() string
	Begin() error
	End(waitForThreads bool) error
	EnableProvider(p etwmain.ProviderSettings) error
	EnabledProviders() []etwmain.ProviderSettings
}

// Watcher serializes restarts of one session. HandleAbnormalShutdown is
// installed as the listener's abnormal shutdown handler; Run does the work
// on its own goroutine since the handler runs on the dispatch goroutine,
// which End would otherwise wait for.
type Watcher struct {
	target      Restarter
	delay       time.Duration
	maxRestarts int
	onGiveUp    func(err error)
	log         log.Logger

	signal   chan error
	restarts atomic.Uint64
	failures atomic.Uint64
}

// New creates a watcher for target. onGiveUp is called once maxRestarts
// consecutive attempts failed; it may be nil.
func New(target Restarter, cfg config.SessionWatcherConfig, onGiveUp func(err error)) *Watcher {
	maxRestarts := cfg.MaxRestarts
	if maxRestarts < 1 {
		maxRestarts = 1
	}
	return &Watcher{
		target:      target,
		delay:       cfg.RestartDelay.Duration,
		maxRestarts: maxRestarts,
		onGiveUp:    onGiveUp,
		log:         logger.NewLoggerWithContext("session_watcher"),
		signal:      make(chan error, 1),
	}
}

// HandleAbnormalShutdown queues a restart. Shutdowns reported while one is
// already queued collapse into it.
func (w *Watcher) HandleAbnormalShutdown(session string, err error) {
	w.log.Warn().Str("session", session).Err(err).Msg("Session ended unexpectedly, scheduling restart")
	select {
	case w.signal <- err:
	default:
	}
}

// Restarts returns the number of successful restarts.
func (w *Watcher) Restarts() uint64 { return w.restarts.Load() }

// FailedAttempts returns the number of restart attempts whose Begin failed.
func (w *Watcher) FailedAttempts() uint64 { return w.failures.Load() }

// Run handles queued restarts until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-w.signal:
			if !w.restart(ctx, cause) {
				return
			}
		}
	}
}

// restart returns false when the watcher should stop, either because ctx
// ended or because it gave up.
func (w *Watcher) restart(ctx context.Context, cause error) bool {
	name := w.target.Name()
	lastErr := cause

	// End forgets the applied providers. A failed Begin keeps them queued,
	// so they are queued again only once.
	providers := w.target.EnabledProviders()

	for attempt := 1; attempt <= w.maxRestarts; attempt++ {
		if !w.sleep(ctx) {
			return false
		}

		// End of a session that already failed reports the failure again.
		if err := w.target.End(true); err != nil {
			w.log.Debug().Str("session", name).Err(err).Msg("End before restart returned an error")
		}
		if attempt == 1 {
			for _, p := range providers {
				if err := w.target.EnableProvider(p); err != nil {
					w.log.Error().Str("session", name).Str("provider", p.String()).Err(err).Msg("Failed to queue provider for restart")
				}
			}
		}

		err := w.target.Begin()
		if err == nil {
			w.restarts.Add(1)
			w.log.Info().Str("session", name).Int("attempt", attempt).Msg("Session restarted")
			return true
		}

		w.failures.Add(1)
		lastErr = err
		w.log.Error().Str("session", name).Int("attempt", attempt).Int("max_restarts", w.maxRestarts).
			Err(err).Msg("Session restart failed")
	}

	w.log.Error().Str("session", name).Err(lastErr).Msg("Giving up on session restarts")
	if w.onGiveUp != nil {
		w.onGiveUp(lastErr)
	}
	return false
}

func (w *Watcher) sleep(ctx context.Context) bool {
	if w.delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(w.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
