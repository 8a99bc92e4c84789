package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"sessionbus/pkg/bus"
	"sessionbus/pkg/message"
)

const (
	defaultReminderDelay = 200 * time.Millisecond
	defaultDeployTimeout = 30 * time.Second
)

type Options struct {
	Out           io.Writer
	Log           *slog.Logger
	ReminderDelay time.Duration
	DeployTimeout time.Duration
	DeployTarget  string
}

func (o Options) withDefaults() Options {
	if o.Out == nil {
		o.Out = io.Discard
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.ReminderDelay <= 0 {
		o.ReminderDelay = defaultReminderDelay
	}
	if o.DeployTimeout <= 0 {
		o.DeployTimeout = defaultDeployTimeout
	}
	if o.DeployTarget == "" {
		o.DeployTarget = "staging"
	}
	return o
}

// Report holds the results the scenario printed.
type Report struct {
	RootSum           float64
	SessionAProduct   float64
	SessionBProduct   float64
	AfterSessions     float64
	ReminderDelivered bool
	DeployStatus      message.ApprovalStatus
	Global            *Collector
}

// Run registers the demo handlers in ROOT and walks through root commands,
// two sessions, a scheduled reminder and an approval-gated deploy. The bus
// is started if it is not running yet.
func Run(ctx context.Context, b *bus.Bus, opts Options) (Report, error) {
	opts = opts.withDefaults()
	out := opts.Out

	if err := b.Start(ctx); err != nil {
		opts.Log.WarnContext(ctx, "bus started without restored events", "error", err)
	}

	handlers := NewHandlers(b, opts.Log)
	if err := handlers.Register(b.Scope(message.RootSession)); err != nil {
		return Report{}, fmt.Errorf("register demo handlers: %w", err)
	}

	report := Report{Global: NewCollector("Global", opts.Log)}
	removeHook := b.AddHook(report.Global)
	defer removeHook()

	fmt.Fprintln(out, "1. Sending events and commands without a session")
	fmt.Fprintln(out, "-----------------------------------------------")
	if err := b.Publish(ctx, &Greeting{Message: "Hello, world!"}); err != nil {
		return report, err
	}
	sum, err := calculate(ctx, b.Execute, "add", 10, 20, 30)
	if err != nil {
		return report, err
	}
	report.RootSum = sum
	fmt.Fprintf(out, "Calculation result: %g\n", sum)
	if _, err := b.Execute(ctx, &LogCommand{Message: "This is a global log entry", Level: "info"}); err != nil {
		return report, err
	}

	fmt.Fprintln(out, "\n2. Creating Session A and using it")
	fmt.Fprintln(out, "----------------------------------")
	sessionA := b.CreateSession("")
	err = sessionA.Run(ctx, func(ctx context.Context) error {
		fmt.Fprintf(out, "Session A created with ID: %s\n", sessionA.ID())

		collector := NewCollector("Session A", opts.Log)
		for _, kind := range []message.Kind{KindGreeting, KindNotification} {
			if err := sessionA.RegisterEventHandler(kind, collector.Handle); err != nil {
				return err
			}
		}

		if err := b.Publish(ctx, &Greeting{Message: "Hello from Session A!"}); err != nil {
			return err
		}
		product, err := calculate(ctx, sessionA.ExecuteWithSession, "multiply", 2, 3, 4)
		if err != nil {
			return err
		}
		report.SessionAProduct = product
		fmt.Fprintf(out, "Session A calculation result: %g\n", product)

		if _, err := sessionA.ExecuteWithSession(ctx, &LogCommand{Message: "This is a session log entry", Level: "info"}); err != nil {
			return err
		}

		collector.Summary(out)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("session A: %w", err)
	}

	fmt.Fprintln(out, "\n3. Creating Session B and demonstrating session isolation")
	fmt.Fprintln(out, "-------------------------------------------------------")
	sessionB := b.CreateSession("")
	err = sessionB.Run(ctx, func(ctx context.Context) error {
		fmt.Fprintf(out, "Session B created with ID: %s\n", sessionB.ID())

		if err := bus.HandleCommand(sessionB, handlers.Doubling); err != nil {
			return err
		}
		product, err := calculate(ctx, sessionB.ExecuteWithSession, "multiply", 2, 3, 4)
		if err != nil {
			return err
		}
		report.SessionBProduct = product
		fmt.Fprintf(out, "Session B calculation result (should be doubled): %g\n", product)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("session B: %w", err)
	}

	fmt.Fprintln(out, "\n4. Executing more commands after sessions have ended")
	fmt.Fprintln(out, "--------------------------------------------------")
	difference, err := calculate(ctx, b.Execute, "subtract", 100, 20, 5)
	if err != nil {
		return report, err
	}
	report.AfterSessions = difference
	fmt.Fprintf(out, "Global calculation result after sessions: %g\n", difference)

	fmt.Fprintln(out, "\n5. Scheduling a reminder")
	fmt.Fprintln(out, "------------------------")
	delivered, err := scheduleReminder(ctx, b, opts.ReminderDelay)
	if err != nil {
		return report, err
	}
	report.ReminderDelivered = delivered
	fmt.Fprintf(out, "Reminder delivered after %s: %t\n", opts.ReminderDelay, delivered)

	fmt.Fprintln(out, "\n6. Requesting approval for a deploy")
	fmt.Fprintln(out, "-----------------------------------")
	deploy := &Deploy{Target: opts.DeployTarget}
	deploy.Approver = "operator"
	deploy.ExpiresAt = time.Now().Add(opts.DeployTimeout)
	deploy.OnApproval = &Notification{Message: "Deploy to " + opts.DeployTarget + " approved", Importance: ImportanceHigh}
	deploy.OnDenial = &Notification{Message: "Deploy to " + opts.DeployTarget + " denied", Importance: ImportanceHigh}
	deploy.OnExpiry = &Notification{Message: "Deploy to " + opts.DeployTarget + " expired", Importance: ImportanceHigh}
	result, err := b.Execute(ctx, deploy)
	if err != nil {
		return report, err
	}
	report.DeployStatus = message.ApprovalStatusOf(result)
	fmt.Fprintf(out, "Deploy approval status: %s\n", report.DeployStatus)

	report.Global.Summary(out)
	fmt.Fprintln(out, "\nDemo completed.")

	return report, nil
}

type executeFunc func(ctx context.Context, cmd message.Command) (message.CommandResult, error)

func calculate(ctx context.Context, execute executeFunc, op string, operands ...float64) (float64, error) {
	result, err := execute(ctx, &Calculate{Operation: op, Operands: operands})
	if err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, fmt.Errorf("%s failed: %s", op, result.Error)
	}

	value, ok := result.Result.(float64)
	if !ok {
		return 0, fmt.Errorf("%s returned %T, want float64", op, result.Result)
	}
	return value, nil
}

// scheduleReminder publishes a Reminder due after delay and waits for it.
func scheduleReminder(ctx context.Context, b *bus.Bus, delay time.Duration) (bool, error) {
	reminder := &Reminder{Message: "Stand up and stretch"}
	reminder.ScheduledTime = time.Now().Add(delay).UTC()
	message.StampEvent(reminder)

	delivered := make(chan struct{}, 1)
	err := b.RegisterEventHandler(message.RootSession, KindReminder, func(_ context.Context, evt message.Event) error {
		if evt.Meta().ID == reminder.ID {
			select {
			case delivered <- struct{}{}:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	defer b.UnregisterEventHandlers(message.RootSession, KindReminder)

	if err := b.Publish(ctx, reminder); err != nil {
		return false, err
	}

	timer := time.NewTimer(delay + 5*time.Second)
	defer timer.Stop()

	select {
	case <-delivered:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, errors.Join(ctx.Err(), fmt.Errorf("waiting for reminder %s", reminder.ID))
	}
}
