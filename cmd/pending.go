package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"sessionbus/pkg/logger"
	"sessionbus/pkg/message"
	"sessionbus/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List scheduled events waiting in the store",
	Long:  "Reads the configured store without consuming it and prints the scheduled events the next bus start will restore.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		log, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}

		ctx := context.Background()
		st, err := store.Open(ctx, cfg.Store, log)
		if err != nil {
			fmt.Printf("failed to open %s store: %v\n", cfg.Store.Driver, err)
			return
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Warn("Failed to close store", "error", err)
			}
		}()

		if err := printPending(ctx, os.Stdout, st, time.Now(), log); err != nil {
			fmt.Printf("failed to read pending events: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var (
	pendingHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	pendingDueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	pendingMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
)

type pendingReader interface {
	Peek(ctx context.Context) ([]message.Scheduled, error)
}

// printPending writes one row per stored event in store order.
func printPending(ctx context.Context, w io.Writer, st pendingReader, now time.Time, log *slog.Logger) error {
	events, err := st.Peek(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, pendingMutedStyle.Render("No pending scheduled events."))
		return nil
	}

	rows := make([][]string, 0, len(events))
	for _, evt := range events {
		meta := evt.Meta()
		rows = append(rows, []string{
			string(evt.Kind()),
			meta.ID,
			meta.SessionID,
			dueLabel(evt.ScheduledAt(), now),
		})
	}

	cell := lipgloss.NewStyle().Padding(0, 1)
	listing := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(pendingMutedStyle).
		Headers("KIND", "ID", "SESSION", "DUE").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return pendingHeaderStyle.Inherit(cell)
			case row >= 0 && row < len(rows) && strings.HasPrefix(rows[row][3], "overdue"):
				return pendingDueStyle.Inherit(cell)
			default:
				return cell
			}
		})

	fmt.Fprintln(w, listing.Render())
	fmt.Fprintln(w, pendingMutedStyle.Render(fmt.Sprintf("%d pending", len(rows))))

	if log != nil {
		log.Debug("Listed pending scheduled events", "count", len(rows))
	}
	return nil
}

func dueLabel(at time.Time, now time.Time) string {
	stamp := at.UTC().Format(time.RFC3339)
	if !now.Before(at) {
		return "overdue " + stamp
	}
	return "in " + at.Sub(now).Round(time.Second).String() + " " + stamp
}
