// Package monitor renders a live terminal view of bus events.
package monitor

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"sessionbus/pkg/message"
)

// Run shows events until the user quits or ctx is done.
func Run(ctx context.Context, events <-chan message.Event, info Info) error {
	program := tea.NewProgram(newModel(events, info), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}

	return err
}
