package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // For pprof server
	"os"
	"os/signal"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"etw_listener/internal/config"
	etwmain "etw_listener/internal/etw"
	"etw_listener/internal/etw/tracing"
	"etw_listener/internal/etw/watcher"
	"etw_listener/internal/logger"
	"etw_listener/internal/windowsapi"
)

// ListenerApp wires the real-time listener to the configured providers, the
// event sink and the metrics endpoint.
type ListenerApp struct {
	config     *config.AppConfig
	listener   *etwmain.RealtimeListener
	watcher    *watcher.Watcher // nil unless session_watcher is enabled
	sink       *eventSink
	values     *systemValues
	httpServer *http.Server
	registry   *prometheus.Registry
	log        plog.Logger

	// stop is set by Run and triggers shutdown when the session ends on its own.
	stop context.CancelFunc
}

// NewListenerApp creates the listener and queues every configured provider.
func NewListenerApp(cfg *config.AppConfig) (*ListenerApp, error) {
	app := &ListenerApp{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		values:   newSystemValues(logger.NewLoggerWithContext("session_context")),
		log:      plog.DefaultLogger, // main app uses default logger
	}

	app.log.Info().
		Str("version", version).
		Str("session", cfg.Session.Name).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Msg("Starting ETW Listener")

	sink, err := newEventSink(logger.NewLoggerWithContext("event_sink"), cfg.Sink)
	if err != nil {
		return nil, err
	}
	app.sink = sink

	if err := app.setupListener(); err != nil {
		return nil, err
	}
	app.setupHTTPServer()

	app.registry.MustRegister(
		etwmain.NewListenerStatsCollector(app.listener),
		app.sink,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.log.Info().Msg("Listener statistics collector registered with Prometheus")

	return app, nil
}

// setupListener creates the listener and queues the configured providers.
func (a *ListenerApp) setupListener() error {
	sc := a.config.Session
	opts := []etwmain.Option{
		etwmain.WithBufferConfig(tracing.SessionConfig{
			BufferSizeKB:   sc.BufferSizeKB,
			MinimumBuffers: sc.MinimumBuffers,
			MaximumBuffers: sc.MaximumBuffers,
			FlushTimerSec:  sc.FlushTimerSec,
			LogFileMode:    tracing.RealTimeMode,
			ClockType:      tracing.ClockQPC,
		}),
		etwmain.WithJoinTimeout(sc.JoinTimeout.Duration),
		etwmain.WithStringDiagnostics(sc.StringDiagnostics),
		etwmain.WithAbnormalShutdownHandler(a.onAbnormalShutdown),
	}

	if pc := a.config.Policy; pc.Enabled {
		policy := newHostPolicy(pc, logFilePath(a.config.Logging), windowsapi.IsDebuggerPresent)
		opts = append(opts, etwmain.WithCollectionPolicy(policy, a.values, pc.InitialDelay.Duration, pc.Interval.Duration))
		a.log.Info().
			Dur("initial_delay", pc.InitialDelay.Duration).
			Dur("interval", pc.Interval.Duration).
			Msg("Collection policy enabled")
	}

	a.listener = etwmain.NewRealtimeListener(sc.Name, a.sink, opts...)

	if wc := a.config.SessionWatcher; wc.Enabled {
		a.watcher = watcher.New(a.listener, wc, a.onRestartsExhausted)
		a.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "etw_listener_session_restarts_total",
			Help:        "Total number of successful session restarts after an abnormal shutdown.",
			ConstLabels: prometheus.Labels{"session": sc.Name},
		}, func() float64 { return float64(a.watcher.Restarts()) }))
		a.log.Info().
			Dur("restart_delay", wc.RestartDelay.Duration).
			Int("max_restarts", wc.MaxRestarts).
			Msg("Session watcher enabled")
	}

	for _, pc := range a.config.Providers {
		pid, err := resolveProcessName(pc.ProcessName, windowsapi.FindProcessByName)
		if err != nil {
			return fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		settings, err := etwmain.ProviderSettingsFromConfig(pc, pid)
		if err != nil {
			return err
		}
		if err := a.listener.EnableProvider(settings); err != nil {
			return fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		a.log.Info().Str("provider", settings.String()).Msg("Provider configured")
	}
	return nil
}

// resolveProcessName maps a process_name filter to a PID. An empty name
// means no filter.
func resolveProcessName(name string, find func(string) (uint32, error)) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	return find(name)
}

// setupHTTPServer configures the HTTP server for metrics.
func (a *ListenerApp) setupHTTPServer() {
	a.log.Debug().Str("metrics_path", a.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(a.config.Server.MetricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>ETW Listener</title></head>
            <body>
            <h1>ETW Listener v` + version + ` </h1>
            <p><a href="` + a.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	a.httpServer = &http.Server{
		Addr:    a.config.Server.ListenAddress,
		Handler: mux,
	}
}

func (a *ListenerApp) onAbnormalShutdown(session string, err error) {
	a.log.Error().Err(err).Str("session", session).Msg("ETL session abnormal shutdown")
	if a.watcher != nil {
		a.watcher.HandleAbnormalShutdown(session, err)
		return
	}
	if a.stop != nil {
		a.stop()
	}
}

func (a *ListenerApp) onRestartsExhausted(err error) {
	a.log.Error().Err(err).Msg("Session could not be restarted, shutting down")
	if a.stop != nil {
		a.stop()
	}
}

// Run starts all services and waits for a shutdown signal.
func (a *ListenerApp) Run() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	a.stop = stop

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
			a.log.Info().Msg("! Received OS shutdown signal, shutting down gracefully...")
			stop()
		case <-ctx.Done():
		}
	}()

	if a.config.Server.PprofEnabled {
		go func() {
			a.log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			// pprof registers its handlers on http.DefaultServeMux
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				a.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	a.sink.Start()

	a.log.Info().Msg("Starting real-time trace session...")
	if err := a.listener.Begin(); err != nil {
		a.sink.Close()
		if errors.Is(err, etwmain.ErrResourceExhausted) {
			return fmt.Errorf("too many trace sessions are running: %w", err)
		}
		return fmt.Errorf("failed to start trace session: %w", err)
	}

	watcherDone := make(chan struct{})
	if a.watcher != nil {
		go func() {
			defer close(watcherDone)
			a.watcher.Run(ctx)
		}()
	} else {
		close(watcherDone)
	}

	go func() {
		a.log.Info().Str("address", a.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("Failed to start HTTP server")
			stop()
		}
	}()

	a.log.Info().Msg("ETW Listener is ready and collecting events...")

	<-ctx.Done()
	a.log.Info().Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---

	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()

	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.log.Error().Err(err).Msg("Error shutting down HTTP server")
	} else {
		a.log.Debug().Msg("HTTP server shut down cleanly")
	}

	// A restart in progress must finish before the final End.
	<-watcherDone

	// End the session before draining the sink so no event arrives after Close.
	if err := a.listener.End(true); err != nil {
		a.log.Error().Err(err).Msg("Error stopping trace session")
	} else {
		a.log.Info().Msg("Trace session stopped successfully")
	}
	a.sink.Close()

	for k, v := range a.values.Snapshot() {
		a.log.Info().Str("key", k).Str("value", v).Msg("Session annotation")
	}

	a.log.Info().Msg("ETW Listener stopped gracefully")
	return nil
}
