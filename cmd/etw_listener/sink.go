package main

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"etw_listener/internal/config"
	"etw_listener/internal/etw/record"
	"etw_listener/internal/maps"
)

// eventSink receives events on the dispatch goroutine, clones them and hands
// them to worker goroutines. Events are dropped rather than blocking dispatch
// when the queue is full.
type eventSink struct {
	log     log.Logger
	queue   chan *record.View
	workers int
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	perProcess maps.ConcurrentMap[uint32, *atomic.Uint64]
	handled    atomic.Uint64
	dropped    atomic.Uint64

	eventsDesc  *prometheus.Desc
	handledDesc *prometheus.Desc
	droppedDesc *prometheus.Desc
}

func newEventSink(lg log.Logger, cfg config.SinkConfig) (*eventSink, error) {
	kind, err := maps.ParseKind(cfg.MapBackend)
	if err != nil {
		return nil, err
	}
	workers := max(cfg.Workers, 1)
	return &eventSink{
		log:        lg,
		queue:      make(chan *record.View, max(cfg.QueueSize, 1)),
		workers:    workers,
		perProcess: maps.NewConcurrentMapOf[uint32, *atomic.Uint64](kind),

		eventsDesc: prometheus.NewDesc(
			"etw_listener_process_events_total",
			"Total number of events handled, by logging process.",
			[]string{"pid"}, nil,
		),
		handledDesc: prometheus.NewDesc(
			"etw_listener_sink_events_handled_total",
			"Total number of events handled by the sink workers.",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"etw_listener_sink_events_dropped_total",
			"Total number of events dropped because the sink queue was full.",
			nil, nil,
		),
	}, nil
}

// Start launches the workers.
func (s *eventSink) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
}

// ReceiveEvent implements etwmain.EventRecordReceiver.
func (s *eventSink) ReceiveEvent(v *record.View) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}

	clone, err := v.Clone()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to clone event")
		return
	}
	select {
	case s.queue <- clone:
	default:
		clone.Release()
		s.dropped.Add(1)
	}
}

// Close stops accepting events and waits for the workers to drain the queue.
func (s *eventSink) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()

	s.wg.Wait()
	s.log.Debug().
		Uint64("handled", s.handled.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("Event sink closed")
}

func (s *eventSink) work() {
	defer s.wg.Done()
	for ev := range s.queue {
		s.handle(ev)
		ev.Release()
	}
}

func (s *eventSink) handle(ev *record.View) {
	counter, _ := s.perProcess.LoadOrStore(ev.ProcessID(), func() *atomic.Uint64 { return new(atomic.Uint64) })
	counter.Add(1)
	s.handled.Add(1)

	e := s.log.Debug()
	if e == nil {
		return
	}
	e.Str("provider", ev.ProviderID().String()).
		Uint16("event_id", ev.EventID()).
		Uint8("opcode", ev.Opcode()).
		Uint32("pid", ev.ProcessID()).
		Uint32("tid", ev.ThreadID()).
		Int64("timestamp", ev.Timestamp()).
		Int("user_data_len", int(ev.UserDataLength())).
		Int("stack_frames", len(ev.CallstackExtendedData())).
		Msg("Event")
}

// Describe implements prometheus.Collector.
func (s *eventSink) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.eventsDesc
	ch <- s.handledDesc
	ch <- s.droppedDesc
}

// Collect implements prometheus.Collector.
func (s *eventSink) Collect(ch chan<- prometheus.Metric) {
	s.perProcess.Range(func(pid uint32, n *atomic.Uint64) bool {
		ch <- prometheus.MustNewConstMetric(s.eventsDesc, prometheus.CounterValue, float64(n.Load()), formatPID(pid))
		return true
	})
	ch <- prometheus.MustNewConstMetric(s.handledDesc, prometheus.CounterValue, float64(s.handled.Load()))
	ch <- prometheus.MustNewConstMetric(s.droppedDesc, prometheus.CounterValue, float64(s.dropped.Load()))
}

func formatPID(pid uint32) string {
	return strconv.FormatUint(uint64(pid), 10)
}
