package etwmain

import (
	"errors"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"etw_listener/internal/logger"
)

// ListenerStatsCollector implements prometheus.Collector for one listener.
// It reports the listener's dispatch counters and, while the session runs,
// the platform's buffer and loss counters.
type ListenerStatsCollector struct {
	listener *RealtimeListener
	log      log.Logger

	tracingDesc          *prometheus.Desc
	eventsDeliveredDesc  *prometheus.Desc
	buffersProcessedDesc *prometheus.Desc
	providersAppliedDesc *prometheus.Desc
	staleRecoveriesDesc  *prometheus.Desc
	dispatchFailuresDesc *prometheus.Desc
	sessionsStartedDesc  *prometheus.Desc
	liveClonesDesc       *prometheus.Desc

	sessionBuffersInUseDesc  *prometheus.Desc
	sessionBuffersFreeDesc   *prometheus.Desc
	sessionEventsLostDesc    *prometheus.Desc
	sessionRTBuffersLostDesc *prometheus.Desc
}

// NewListenerStatsCollector creates a collector for l.
func NewListenerStatsCollector(l *RealtimeListener) *ListenerStatsCollector {
	session := []string{"session"}

	return &ListenerStatsCollector{
		listener: l,
		log:      logger.NewLoggerWithContext("etw_stats_collector"),

		tracingDesc: prometheus.NewDesc(
			"etw_listener_tracing",
			"Whether the real-time session is currently tracing (1) or not (0).",
			session, nil,
		),
		eventsDeliveredDesc: prometheus.NewDesc(
			"etw_listener_events_delivered_total",
			"Total number of events delivered to the receiver.",
			session, nil,
		),
		buffersProcessedDesc: prometheus.NewDesc(
			"etw_listener_buffers_processed_total",
			"Total number of buffer callbacks seen by the dispatch goroutine.",
			session, nil,
		),
		providersAppliedDesc: prometheus.NewDesc(
			"etw_listener_providers_applied_total",
			"Total number of successful provider enable calls.",
			session, nil,
		),
		staleRecoveriesDesc: prometheus.NewDesc(
			"etw_listener_stale_session_recoveries_total",
			"Total number of times a stale session with the same name was stopped at start.",
			session, nil,
		),
		dispatchFailuresDesc: prometheus.NewDesc(
			"etw_listener_dispatch_failures_total",
			"Total number of dispatch runs that ended with an error or a receiver panic.",
			session, nil,
		),
		sessionsStartedDesc: prometheus.NewDesc(
			"etw_listener_sessions_started_total",
			"Total number of successful Begin calls.",
			session, nil,
		),
		liveClonesDesc: prometheus.NewDesc(
			"etw_listener_live_clones",
			"Number of cloned event records not yet released, process wide.",
			nil, nil,
		),

		sessionBuffersInUseDesc: prometheus.NewDesc(
			"etw_session_buffers_in_use",
			"The current number of buffers allocated by the session.",
			session, nil,
		),
		sessionBuffersFreeDesc: prometheus.NewDesc(
			"etw_session_buffers_free",
			"The current number of free buffers available to the session.",
			session, nil,
		),
		sessionEventsLostDesc: prometheus.NewDesc(
			"etw_session_events_lost_total",
			"Total number of events lost by the session (provider-side).",
			session, nil,
		),
		sessionRTBuffersLostDesc: prometheus.NewDesc(
			"etw_session_realtime_buffers_lost_total",
			"Total number of real-time buffers lost by the session.",
			session, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *ListenerStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tracingDesc
	ch <- c.eventsDeliveredDesc
	ch <- c.buffersProcessedDesc
	ch <- c.providersAppliedDesc
	ch <- c.staleRecoveriesDesc
	ch <- c.dispatchFailuresDesc
	ch <- c.sessionsStartedDesc
	ch <- c.liveClonesDesc
	ch <- c.sessionBuffersInUseDesc
	ch <- c.sessionBuffersFreeDesc
	ch <- c.sessionEventsLostDesc
	ch <- c.sessionRTBuffersLostDesc
}

// Collect implements prometheus.Collector.
// It is called by Prometheus on each scrape.
func (c *ListenerStatsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.listener.Stats()
	name := st.Session

	tracing := 0.0
	if st.Tracing {
		tracing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.tracingDesc, prometheus.GaugeValue, tracing, name)
	ch <- prometheus.MustNewConstMetric(c.eventsDeliveredDesc, prometheus.CounterValue, float64(st.EventsDelivered), name)
	ch <- prometheus.MustNewConstMetric(c.buffersProcessedDesc, prometheus.CounterValue, float64(st.BuffersProcessed), name)
	ch <- prometheus.MustNewConstMetric(c.providersAppliedDesc, prometheus.CounterValue, float64(st.ProvidersApplied), name)
	ch <- prometheus.MustNewConstMetric(c.staleRecoveriesDesc, prometheus.CounterValue, float64(st.StaleRecoveries), name)
	ch <- prometheus.MustNewConstMetric(c.dispatchFailuresDesc, prometheus.CounterValue, float64(st.DispatchFailures), name)
	ch <- prometheus.MustNewConstMetric(c.sessionsStartedDesc, prometheus.CounterValue, float64(st.SessionsStarted), name)
	ch <- prometheus.MustNewConstMetric(c.liveClonesDesc, prometheus.GaugeValue, float64(st.LiveClones))

	c.collectSessionStats(ch, name)
}

// collectSessionStats queries the platform counters of a running session.
func (c *ListenerStatsCollector) collectSessionStats(ch chan<- prometheus.Metric, name string) {
	ss, err := c.listener.QueryStats()
	if errors.Is(err, ErrNotTracing) {
		return
	}
	if err != nil {
		c.log.Error().Err(err).Str("session", name).Msg("Failed to query trace session for stats")
		return
	}

	ch <- prometheus.MustNewConstMetric(c.sessionBuffersInUseDesc, prometheus.GaugeValue, float64(ss.NumberOfBuffers), name)
	ch <- prometheus.MustNewConstMetric(c.sessionBuffersFreeDesc, prometheus.GaugeValue, float64(ss.FreeBuffers), name)
	ch <- prometheus.MustNewConstMetric(c.sessionEventsLostDesc, prometheus.CounterValue, float64(ss.EventsLost), name)
	ch <- prometheus.MustNewConstMetric(c.sessionRTBuffersLostDesc, prometheus.CounterValue, float64(ss.RealTimeBuffersLost), name)
}
