package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"sessionbus/pkg/bus"
	"sessionbus/pkg/demo"
	"sessionbus/pkg/message"
	"sessionbus/pkg/server"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveDemoHandlers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus with its status server",
	Long:  "Starts the bus, restores pending scheduled events from the configured store and serves health, readiness, bus stats and metrics until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(runCtx, cfg, appOptions{})
		if err != nil {
			fmt.Printf("failed to initialize bus: %v\n", err)
			return
		}
		slog.SetDefault(a.log)
		log := a.log.With("component", "cmd.serve")

		if err := runServe(runCtx, a, serveDemoHandlers); err != nil {
			log.Error("Bus runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDemoHandlers, "demo-handlers", true, "register the demo command and event handlers in ROOT")
}

// runServe runs the bus and the status server until ctx is done, then stops
// the bus so pending scheduled events reach the store.
func runServe(ctx context.Context, a *app, demoHandlers bool) error {
	log := a.log.With("component", "cmd.serve")

	if demoHandlers {
		if err := registerServeHandlers(a.bus, a.log); err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			return err
		}
	}

	var opts []server.Option
	if a.registry != nil {
		opts = append(opts, server.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}
	svc, err := server.NewService(a.cfg.Server, a.bus, a.log, opts...)
	if err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("initialize status server: %w", err)
	}

	if err := a.bus.Start(ctx); err != nil {
		log.Warn("Bus started without restored events", "error", err)
	}
	log.Info("Bus started", "store", a.cfg.Store.Driver, "address", svc.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})

	runErr := g.Wait()

	closeErr := a.Close(context.WithoutCancel(ctx))
	if closeErr == nil {
		log.Info("Bus stopped")
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, http.ErrServerClosed) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr)
}

// registerServeHandlers installs the demo handlers plus a ROOT reminder
// handler, so restored reminders have somewhere to go.
func registerServeHandlers(b *bus.Bus, log *slog.Logger) error {
	root := b.Scope(message.RootSession)
	if err := demo.NewHandlers(b, log).Register(root); err != nil {
		return fmt.Errorf("register demo handlers: %w", err)
	}

	reminders := log.With("component", "demo.reminders")
	return bus.HandleEvent(root, func(ctx context.Context, evt *demo.Reminder) error {
		reminders.InfoContext(ctx, "Reminder due", "message", evt.Message, "scheduled_time", evt.ScheduledTime)
		return nil
	})
}
