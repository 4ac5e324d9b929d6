package etwmain_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	etwmain "etw_listener/internal/etw"
	"etw_listener/internal/etw/tracing/tracingtest"
)

type stopAfter struct {
	checks    atomic.Int32
	threshold int32
	debugger  bool
	maxSize   bool
}

func (p *stopAfter) ShouldStopCollection() bool {
	return p.checks.Add(1) >= p.threshold
}

func (p *stopAfter) IsDebuggerAttached() bool                     { return p.debugger }
func (p *stopAfter) HasReachedMaximumTelemetryDatabaseSize() bool { return p.maxSize }

type plainPolicy struct{ stop atomic.Bool }

func (p *plainPolicy) ShouldStopCollection() bool { return p.stop.Load() }

type systemValues struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *systemValues) SetSystemValue(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
}

func (s *systemValues) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func TestPolicyStopsSessionAndAnnotates(t *testing.T) {
	tests := []struct {
		name     string
		debugger bool
		maxSize  bool
		want     map[string]string
	}{
		{"debugger", true, false, map[string]string{etwmain.SystemValueDebuggerAttached: "true"}},
		{"database size", false, true, map[string]string{etwmain.SystemValueMaxFileSize: "true"}},
		{"both", true, true, map[string]string{
			etwmain.SystemValueDebuggerAttached: "true",
			etwmain.SystemValueMaxFileSize:      "true",
		}},
		{"neither", false, false, map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tracingtest.NewPlatform()
			policy := &stopAfter{threshold: 2, debugger: tt.debugger, maxSize: tt.maxSize}
			sctx := &systemValues{}
			l := newListener(p, newCollector(),
				etwmain.WithCollectionPolicy(policy, sctx, 10*time.Millisecond, 10*time.Millisecond))

			require.NoError(t, l.Begin())
			assert.Eventually(t, func() bool { return l.Stats().SessionsEnded == 1 }, 5*time.Second, 5*time.Millisecond)
			assert.Eventually(t, func() bool { return len(sctx.snapshot()) == len(tt.want) }, time.Second, 5*time.Millisecond)

			assert.False(t, l.IsTracing())
			assert.Equal(t, tt.want, sctx.snapshot())
			assert.GreaterOrEqual(t, policy.checks.Load(), int32(2))
			assertNoLeaks(t, p)
		})
	}
}

func TestPolicyNotPolledAfterEnd(t *testing.T) {
	p := tracingtest.NewPlatform()
	policy := &plainPolicy{}
	l := newListener(p, newCollector(),
		etwmain.WithCollectionPolicy(policy, nil, 20*time.Millisecond, 20*time.Millisecond))

	require.NoError(t, l.Begin())
	require.NoError(t, l.End(true))

	// A stop decision after End must not restart or end anything.
	policy.stop.Store(true)
	calls := p.CallCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, p.CallCount())
}

func TestPolicyWithoutDiagnostics(t *testing.T) {
	p := tracingtest.NewPlatform()
	policy := &plainPolicy{}
	policy.stop.Store(true)
	sctx := &systemValues{}
	l := newListener(p, newCollector(),
		etwmain.WithCollectionPolicy(policy, sctx, 5*time.Millisecond, 5*time.Millisecond))

	require.NoError(t, l.Begin())
	assert.Eventually(t, func() bool { return l.Stats().SessionsEnded == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, p.Active(testSession))
	assert.Empty(t, sctx.snapshot())
}

// slowStop blocks its first check until released, then asks to stop. Later
// checks never stop.
type slowStop struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (p *slowStop) ShouldStopCollection() bool {
	if p.calls.Add(1) > 1 {
		return false
	}
	close(p.entered)
	<-p.release
	return true
}

func (p *slowStop) IsDebuggerAttached() bool                     { return true }
func (p *slowStop) HasReachedMaximumTelemetryDatabaseSize() bool { return false }

func TestPolicyCheckFromEarlierSessionIgnored(t *testing.T) {
	p := tracingtest.NewPlatform()
	policy := &slowStop{entered: make(chan struct{}), release: make(chan struct{})}
	sctx := &systemValues{}
	l := newListener(p, newCollector(),
		etwmain.WithCollectionPolicy(policy, sctx, 5*time.Millisecond, 5*time.Millisecond))

	require.NoError(t, l.Begin())
	select {
	case <-policy.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("policy was never checked")
	}

	require.NoError(t, l.End(true))
	require.NoError(t, l.Begin())
	close(policy.release)

	assert.Never(t, func() bool { return l.Stats().SessionsEnded > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.True(t, l.IsTracing())
	assert.Empty(t, sctx.snapshot())

	require.NoError(t, l.End(true))
	assertNoLeaks(t, p)
}
