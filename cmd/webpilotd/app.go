package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/bridge"
	"github.com/webpilot/webpilot/cdp"
	"github.com/webpilot/webpilot/config"
	"github.com/webpilot/webpilot/fallback"
	"github.com/webpilot/webpilot/llm"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/metrics"
	"github.com/webpilot/webpilot/otel"
	"github.com/webpilot/webpilot/provider"
	"github.com/webpilot/webpilot/sidecar"
	"github.com/webpilot/webpilot/storage"
	"github.com/webpilot/webpilot/tabs"
	"github.com/webpilot/webpilot/trace"
)

// notifier hands backends a place to publish protocol notifications
// before the transport exists. Until set runs, emits are dropped.
type notifier struct {
	mu sync.Mutex
	fn func(method string, params any)
}

func (n *notifier) set(fn func(method string, params any)) {
	n.mu.Lock()
	n.fn = fn
	n.mu.Unlock()
}

func (n *notifier) emit(method string, params any) {
	n.mu.Lock()
	fn := n.fn
	n.mu.Unlock()
	if fn != nil {
		fn(method, params)
	}
}

// app owns every component behind the daemon's method table and tears
// them down in dependency order.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	version string
	started time.Time
	traceID string

	backend string
	tabs    tabSurface
	gate    *bridge.OriginGate
	bridge  *bridge.Bridge
	orch    *fallback.Orchestrator
	store   *trace.Store
	metrics *metrics.Metrics
	traces  otel.TraceProvider
	engine  *sidecar.Process

	host      *tabs.Host
	cdpClient *cdp.Client
	cdpExec   *cdp.Executor
	shooter   *cdp.Screenshotter

	notes *notifier
}

// buildApp assembles the daemon: trace store, execution backend,
// correlation bridge, semantic engine and the provider chain. The
// backend is a live browser when cdp.url is set, the in-process host
// otherwise.
func buildApp(ctx context.Context, cfg *config.Config, logger *log.Logger, version string) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		version: version,
		started: time.Now(),
		traceID: uuid.NewString(),
		gate:    bridge.NewOriginGate(false),
		metrics: metrics.New(prometheus.NewRegistry()),
		notes:   &notifier{},
	}

	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	if len(cfg.Sidecar.Command) == 0 {
		return nil, fmt.Errorf("no semantic engine configured (set sidecar.command or WEBPILOT_SIDECAR_COMMAND)")
	}

	a.traces = otel.NewNoopTraceProvider()
	if cfg.Telemetry.Proto != "" {
		tp, err := otel.NewTraceProvider(ctx, cfg.Telemetry.Proto, cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure)
		if err != nil {
			return nil, err
		}
		a.traces = tp
	}

	a.store = trace.NewStore(cfg.Trace.Root, logger,
		trace.WithRetention(cfg.Trace.Retention),
		trace.WithPruneLimiter(rate.NewLimiter(rate.Every(cfg.Trace.PruneInterval.Std()), 1)),
	)

	var executor api.PageExecutor
	if cfg.CDP.URL != "" {
		client, err := cdp.Connect(ctx, cfg.CDP.URL, logger)
		if err != nil {
			return nil, err
		}
		a.cdpClient = client
		a.cdpExec = cdp.NewExecutor(client, logger)
		a.shooter = cdp.NewScreenshotter(client, storage.NewLocalFilePersister(), logger)
		a.tabs = newCDPTabs(client, a.cdpExec, logger, func(ev tabs.Event) {
			a.notes.emit("tab.event", ev)
		})
		executor = a.cdpExec
		a.backend = "cdp"
	} else {
		a.host = tabs.NewHost(tabs.NewLoader(), logger)
		a.tabs = a.host
		executor = a.host
		a.backend = "tabs"
	}

	a.bridge = bridge.New(executor, a.tabs, a.gate, logger,
		bridge.WithTimeout(cfg.Bridge.Timeout.Std()),
		bridge.WithMetrics(a.metrics),
	)

	proc, err := sidecar.Start(ctx, cfg.Sidecar.Command, logger,
		sidecar.WithCloseGrace(cfg.Sidecar.CloseGrace.Std()),
		sidecar.WithClientOptions(sidecar.WithCallTimeout(cfg.Sidecar.CallTimeout.Std())),
	)
	if err != nil {
		return nil, err
	}
	a.engine = proc

	opts := []fallback.Option{
		fallback.WithTelemetry(otel.NewTelemetry(a.traces, logger)),
		fallback.WithMetrics(a.metrics),
	}
	if cfg.Fallback.Deterministic {
		chat, err := llm.NewOpenAI(cfg.Planner.APIKey(nil),
			llm.WithModel(cfg.Planner.Model),
			llm.WithBaseURL(cfg.Planner.BaseURL),
			llm.WithLogger(logger),
		)
		if err != nil {
			logger.Warnf("Daemon:build", "deterministic fallback disabled: %v", err)
		} else {
			webview := provider.NewWebview(chat, a.bridge, a.tabs, logger, a.metrics,
				provider.WithClampBand(cfg.Planner.ClampMin.Std(), cfg.Planner.ClampMax.Std()),
			)
			opts = append(opts, fallback.WithDeterministic(webview))
		}
	}
	a.orch = fallback.New(provider.NewStagehand(proc.Client(), logger), a.store, logger, opts...)

	ok = true
	return a, nil
}

// start routes runtime notifications onto the transport: tab lifecycle
// events, engine liveness transitions and whatever the engine pushes
// unsolicited.
func (a *app) start(ctx context.Context, srv *server) {
	a.notes.set(srv.Notify)

	srv.Notify("engine.status", map[string]any{"status": "ready"})
	go func() {
		select {
		case <-ctx.Done():
		case <-a.engine.Done():
			srv.Notify("engine.status", map[string]any{"status": "exited"})
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, open := <-a.engine.Client().Notifications():
				if !open {
					return
				}
				srv.Notify("engine.message", map[string]any{"method": n.Method, "params": n.Params})
			}
		}
	}()

	if a.host != nil {
		ch, cancel := a.host.Subscribe(ctx)
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-ch:
					srv.Notify("tab.event", ev)
				}
			}
		}()
	}
}

// close tears components down in dependency order: no new work through
// the bridge, then the engine, then the execution backend, telemetry
// last.
func (a *app) close(ctx context.Context) {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.host != nil {
		a.host.Shutdown()
	}
	if a.cdpExec != nil {
		a.cdpExec.Close()
	}
	if a.cdpClient != nil {
		if err := a.cdpClient.Close(); err != nil {
			a.logger.Debugf("Daemon:close", "closing browser connection: %v", err)
		}
	}
	if a.traces != nil {
		if err := a.traces.Shutdown(ctx); err != nil {
			a.logger.Warnf("Daemon:close", "telemetry shutdown: %v", err)
		}
	}
}
