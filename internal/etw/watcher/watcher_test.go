package watcher

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etw_listener/internal/config"
	etwmain "etw_listener/internal/etw"
	"etw_listener/internal/etw/guids"
	"etw_listener/internal/etw/record"
	"etw_listener/internal/etw/tracing/tracingtest"
)

type fakeRestarter struct {
	mu        sync.Mutex
	beginErrs []error
	begins    int
	ends      int
	enabled   []etwmain.ProviderSettings
	queued    []etwmain.ProviderSettings
}

func (f *fakeRestarter) EnableProvider(p etwmain.ProviderSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, p)
	return nil
}

func (f *fakeRestarter) EnabledProviders() []etwmain.ProviderSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]etwmain.ProviderSettings(nil), f.enabled...)
}

func (f *fakeRestarter) Name() string { return "fake_session" }

func (f *fakeRestarter) Begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins++
	if len(f.beginErrs) == 0 {
		return nil
	}
	err := f.beginErrs[0]
	f.beginErrs = f.beginErrs[1:]
	return err
}

func (f *fakeRestarter) End(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeRestarter) counts() (begins, ends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begins, f.ends
}

func watcherConfig(maxRestarts int) config.SessionWatcherConfig {
	return config.SessionWatcherConfig{
		Enabled:      true,
		RestartDelay: config.Duration{Duration: time.Millisecond},
		MaxRestarts:  maxRestarts,
	}
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRestartAfterAbnormalShutdown(t *testing.T) {
	f := &fakeRestarter{}
	w := New(f, watcherConfig(3), func(error) { t.Error("gave up unexpectedly") })
	startWatcher(t, w)

	w.HandleAbnormalShutdown(f.Name(), errors.New("stopped"))
	require.Eventually(t, func() bool { return w.Restarts() == 1 }, time.Second, time.Millisecond)

	begins, ends := f.counts()
	assert.Equal(t, 1, begins)
	assert.Equal(t, 1, ends)
	assert.Zero(t, w.FailedAttempts())
}

func TestRestartRetriesFailedBegin(t *testing.T) {
	process := etwmain.NewProviderSettings(guids.MicrosoftWindowsKernelProcessGUID, etwmain.LevelInformation, 0x10, 0)
	f := &fakeRestarter{
		beginErrs: []error{errors.New("busy"), errors.New("busy")},
		enabled:   []etwmain.ProviderSettings{process},
	}
	w := New(f, watcherConfig(3), func(error) { t.Error("gave up unexpectedly") })
	startWatcher(t, w)

	w.HandleAbnormalShutdown(f.Name(), nil)
	require.Eventually(t, func() bool { return w.Restarts() == 1 }, time.Second, time.Millisecond)

	begins, ends := f.counts()
	assert.Equal(t, 3, begins)
	assert.Equal(t, 3, ends)
	assert.Equal(t, uint64(2), w.FailedAttempts())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []etwmain.ProviderSettings{process}, f.queued, "providers are queued once per restart")
}

func TestGiveUpAfterMaxRestarts(t *testing.T) {
	last := errors.New("third")
	f := &fakeRestarter{beginErrs: []error{errors.New("first"), errors.New("second"), last}}
	gaveUp := make(chan error, 1)
	w := New(f, watcherConfig(3), func(err error) { gaveUp <- err })
	startWatcher(t, w)

	w.HandleAbnormalShutdown(f.Name(), nil)
	select {
	case err := <-gaveUp:
		assert.ErrorIs(t, err, last)
	case <-time.After(time.Second):
		t.Fatal("watcher did not give up")
	}
	assert.Zero(t, w.Restarts())
	assert.Equal(t, uint64(3), w.FailedAttempts())
}

func TestQueuedShutdownsCollapse(t *testing.T) {
	f := &fakeRestarter{}
	w := New(f, watcherConfig(1), nil)

	// Nothing drains the queue until Run starts.
	w.HandleAbnormalShutdown(f.Name(), nil)
	w.HandleAbnormalShutdown(f.Name(), nil)
	w.HandleAbnormalShutdown(f.Name(), nil)

	startWatcher(t, w)
	require.Eventually(t, func() bool { return w.Restarts() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(1), w.Restarts())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := &fakeRestarter{}
	cfg := watcherConfig(1)
	cfg.RestartDelay = config.Duration{Duration: time.Hour}
	w := New(f, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	w.HandleAbnormalShutdown(f.Name(), nil)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	begins, _ := f.counts()
	assert.Zero(t, begins)
}

func TestRestartsExternallyStoppedListener(t *testing.T) {
	const session = "etw_watcher_test"
	p := tracingtest.NewPlatform()

	var w *Watcher
	l := etwmain.NewRealtimeListener(session,
		etwmain.ReceiverFunc(func(*record.View) {}),
		etwmain.WithAPI(p),
		etwmain.WithLogger(log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: &bytes.Buffer{}}}),
		etwmain.WithJoinTimeout(5*time.Second),
		etwmain.WithAbnormalShutdownHandler(func(s string, err error) { w.HandleAbnormalShutdown(s, err) }),
	)
	w = New(l, watcherConfig(2), func(error) { t.Error("gave up unexpectedly") })
	startWatcher(t, w)

	process := etwmain.NewProviderSettings(guids.MicrosoftWindowsKernelProcessGUID, etwmain.LevelInformation, 0x10, 0)
	require.NoError(t, l.EnableProvider(process))
	require.NoError(t, l.Begin())
	p.StopExternally(session)

	require.Eventually(t, func() bool { return w.Restarts() == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, l.IsTracing())
	assert.True(t, p.Active(session))
	assert.Equal(t, uint64(2), l.Stats().SessionsStarted)
	assert.Equal(t, []etwmain.ProviderSettings{process}, l.EnabledProviders())
	assert.Len(t, p.Enables(), 2)

	require.NoError(t, l.End(true))
	props, filters, traces := p.Leaks()
	assert.Zero(t, props)
	assert.Zero(t, filters)
	assert.Zero(t, traces)
}
