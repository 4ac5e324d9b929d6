package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etw_listener/internal/config"
	"etw_listener/internal/etw/record"
	"etw_listener/internal/etw/record/recordtest"
)

func quietLogger() log.Logger {
	return log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: &bytes.Buffer{}}}
}

func newTestSink(t *testing.T, queue, workers int) *eventSink {
	t.Helper()
	s, err := newEventSink(quietLogger(), config.SinkConfig{QueueSize: queue, Workers: workers})
	require.NoError(t, err)
	return s
}

func deliver(s *eventSink, r *recordtest.Record) {
	var v record.View
	v.Bind(r.Ptr())
	s.ReceiveEvent(&v)
	v.Unbind()
}

func TestEventSinkCountsByProcess(t *testing.T) {
	for _, backend := range []string{"xsync", "cornelk"} {
		t.Run(backend, func(t *testing.T) {
			before := record.LiveClones()
			s, err := newEventSink(quietLogger(), config.SinkConfig{QueueSize: 16, Workers: 2, MapBackend: backend})
			require.NoError(t, err)
			s.Start()

			for i := 0; i < 3; i++ {
				deliver(s, recordtest.New().ProcessID(1234).EventID(1).Build())
			}
			deliver(s, recordtest.New().ProcessID(4).EventID(2).Build())
			s.Close()

			assert.Equal(t, uint64(4), s.handled.Load())
			assert.Zero(t, s.dropped.Load())
			assert.Equal(t, before, record.LiveClones(), "every clone is released after handling")

			require.NoError(t, testutil.CollectAndCompare(s, strings.NewReader(`
# HELP etw_listener_process_events_total Total number of events handled, by logging process.
# TYPE etw_listener_process_events_total counter
etw_listener_process_events_total{pid="1234"} 3
etw_listener_process_events_total{pid="4"} 1
`), "etw_listener_process_events_total"))
		})
	}
}

func TestEventSinkRejectsUnknownBackend(t *testing.T) {
	_, err := newEventSink(quietLogger(), config.SinkConfig{QueueSize: 1, Workers: 1, MapBackend: "sharded"})
	assert.Error(t, err)
}

func TestEventSinkDropsWhenFull(t *testing.T) {
	before := record.LiveClones()
	s := newTestSink(t, 1, 1)

	// Workers are not started, so only one event fits.
	deliver(s, recordtest.New().ProcessID(1).Build())
	deliver(s, recordtest.New().ProcessID(2).Build())
	deliver(s, recordtest.New().ProcessID(3).Build())
	assert.Equal(t, uint64(2), s.dropped.Load())
	assert.Equal(t, before+1, record.LiveClones())

	s.Start()
	s.Close()
	assert.Equal(t, uint64(1), s.handled.Load())
	assert.Equal(t, before, record.LiveClones())
}

func TestEventSinkIgnoresEventsAfterClose(t *testing.T) {
	s := newTestSink(t, 4, 1)
	s.Start()
	s.Close()
	s.Close()

	deliver(s, recordtest.New().ProcessID(1).Build())
	assert.Zero(t, s.handled.Load())
	assert.Zero(t, s.dropped.Load())
}
