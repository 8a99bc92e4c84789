package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"sessionbus/pkg/bus"
	"sessionbus/pkg/config"
	"sessionbus/pkg/logger"
	"sessionbus/pkg/observe"
	"sessionbus/pkg/store"
	"sessionbus/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type appOptions struct {
	logOutput io.Writer
	approver  bus.Approver
	stream    bool
}

// app wires one bus with its store and observers from config.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *bus.Bus
	store    store.Store
	registry *prometheus.Registry
	stream   *observe.Stream
	tracing  *telemetry.Provider
	eventLog *observe.JSONLHook
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if opts.logOutput == nil {
		opts.logOutput = os.Stderr
	}

	appLogger, err := logger.NewWithWriter(cfg.Logging, opts.logOutput)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store, appLogger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	a := &app{cfg: cfg, log: appLogger, store: st}
	a.bus = bus.New(
		bus.WithLogger(appLogger),
		bus.WithStore(st),
		bus.WithSuppressHandlerErrors(!cfg.Bus.StrictHandlerErrors),
		bus.WithPollInterval(cfg.Bus.PollInterval.Std()),
		bus.WithStopTimeout(cfg.Bus.StopTimeout.Std()),
		bus.WithMaxConcurrentHandlers(cfg.Bus.MaxConcurrentHandlers),
		bus.WithApprover(opts.approver),
	)

	if err := a.attachObservers(ctx, opts); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	return a, nil
}

func (a *app) attachObservers(ctx context.Context, opts appOptions) error {
	a.bus.AddHook(observe.NewLogHook(a.log))

	if a.cfg.EventsLog.Enabled {
		hook, err := observe.NewJSONLHook(a.cfg.EventsLog.Dir, "")
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		a.eventLog = hook
		a.bus.AddHook(hook)
		a.log.Info("Writing bus events", "path", hook.Path())
	}

	if a.cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			observe.NewBusCollector(a.bus),
		)
		a.bus.AddHook(observe.NewMetrics(a.registry))
	}

	provider, err := telemetry.NewProvider(ctx, a.cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	a.tracing = provider
	if provider.Enabled() {
		a.bus.AddHook(observe.NewTracer(provider.TracerProvider()))
	}

	if opts.stream {
		a.stream = observe.NewStream()
		a.bus.AddHook(a.stream)
	}

	return nil
}

// Close stops the bus, which saves pending scheduled events, and then
// releases the store and observers.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop bus: %w", err))
		}
	}
	if a.stream != nil {
		a.stream.Close()
	}
	if a.eventLog != nil {
		if err := a.eventLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event log: %w", err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	return errors.Join(errs...)
}
