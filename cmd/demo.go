package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sessionbus/pkg/bus"
	"sessionbus/pkg/demo"
	"sessionbus/pkg/message"
	"sessionbus/pkg/ui/monitor"

	"github.com/spf13/cobra"
)

var (
	demoMonitor       bool
	demoApprove       bool
	demoTarget        string
	demoReminderDelay time.Duration
)

// demoCmd represents the demo command
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through sessions, scheduling and approvals",
	Long:  "Runs a scripted scenario against a fresh bus: root commands, two isolated sessions, a scheduled reminder and an approval-gated deploy.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		if demoMonitor && demoApprove {
			fmt.Println("--approve reads from the terminal and cannot be combined with --monitor")
			return
		}

		cfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := appOptions{approver: demoApprover(demoApprove, os.Stdin, os.Stdout)}
		if demoMonitor {
			opts.logOutput = io.Discard
			opts.stream = true
		}

		a, err := newApp(runCtx, cfg, opts)
		if err != nil {
			fmt.Printf("failed to initialize bus: %v\n", err)
			return
		}
		defer func() {
			if err := a.Close(context.WithoutCancel(runCtx)); err != nil {
				fmt.Printf("failed to stop bus: %v\n", err)
			}
		}()

		scenario := demo.Options{
			Out:           os.Stdout,
			Log:           a.log,
			ReminderDelay: demoReminderDelay,
			DeployTarget:  demoTarget,
		}

		if !demoMonitor {
			if _, err := demo.Run(runCtx, a.bus, scenario); err != nil {
				fmt.Printf("demo failed: %v\n", err)
			}
			return
		}

		var transcript bytes.Buffer
		scenario.Out = &transcript
		if err := runDemoWithMonitor(runCtx, a, scenario); err != nil {
			fmt.Printf("demo failed: %v\n", err)
		}
		fmt.Print(transcript.String())
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().BoolVarP(&demoMonitor, "monitor", "m", false, "show bus events in a live terminal view")
	demoCmd.Flags().BoolVar(&demoApprove, "approve", false, "ask on the terminal before approval-gated commands run")
	demoCmd.Flags().StringVar(&demoTarget, "target", "staging", "deploy target used by the approval step")
	demoCmd.Flags().DurationVar(&demoReminderDelay, "reminder-delay", 2*time.Second, "delay before the scheduled reminder is due")
}

// demoApprover prompts on the terminal when interactive is set. Otherwise
// every request is granted.
func demoApprover(interactive bool, in io.Reader, out io.Writer) bus.Approver {
	if interactive {
		return bus.NewPromptApprover(in, out)
	}

	return bus.ApproverFunc(func(_ context.Context, _ message.ApprovalCommand) (bool, error) {
		return true, nil
	})
}

// runDemoWithMonitor runs the scenario in the background while the monitor
// owns the terminal. The monitor stays open after the scenario finishes;
// quitting it early cancels the scenario.
func runDemoWithMonitor(ctx context.Context, a *app, scenario demo.Options) error {
	events, unsubscribe := a.stream.Subscribe(ctx, 256)
	defer unsubscribe()

	scenarioCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scenarioErr := make(chan error, 1)
	go func() {
		_, err := demo.Run(scenarioCtx, a.bus, scenario)
		scenarioErr <- err
	}()

	info := monitor.Info{Title: "sessionbus demo", Store: storeLabel(a)}
	monitorErr := monitor.Run(ctx, events, info)

	cancel()
	err := <-scenarioErr
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		err = errors.New("monitor closed before the scenario finished")
	}

	return errors.Join(monitorErr, err)
}

func storeLabel(a *app) string {
	label := a.cfg.Store.Driver
	if path := strings.TrimSpace(a.cfg.Store.Path); path != "" && label != "memory" && label != "redis" {
		label += " " + path
	}
	return label
}
