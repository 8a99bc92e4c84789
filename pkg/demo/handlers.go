package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sessionbus/pkg/bus"
	"sessionbus/pkg/message"
)

var (
	ErrNoOperands       = errors.New("no operands provided")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Compute evaluates op over operands.
func Compute(op string, operands []float64) (float64, error) {
	if len(operands) == 0 {
		return 0, ErrNoOperands
	}

	result := operands[0]
	rest := operands[1:]
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "add":
		for _, operand := range rest {
			result += operand
		}
	case "subtract":
		for _, operand := range rest {
			result -= operand
		}
	case "multiply":
		for _, operand := range rest {
			result *= operand
		}
	case "divide":
		for _, operand := range rest {
			if operand == 0 {
				return 0, ErrDivisionByZero
			}
			result /= operand
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	return result, nil
}

// Handlers implements the demo commands. Each command also publishes a
// Notification in the caller's session.
type Handlers struct {
	bus *bus.Bus
	log *slog.Logger
}

func NewHandlers(b *bus.Bus, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}

	return &Handlers{bus: b, log: log.With("component", "demo")}
}

// Register installs the handlers in r, usually the ROOT scope.
func (h *Handlers) Register(r bus.Registrar) error {
	if err := bus.HandleCommand(r, h.Calculate); err != nil {
		return err
	}
	if err := bus.HandleCommand(r, h.Log); err != nil {
		return err
	}
	return bus.HandleCommand(r, h.Deploy)
}

func (h *Handlers) Calculate(ctx context.Context, cmd *Calculate) (message.CommandResult, error) {
	result, err := Compute(cmd.Operation, cmd.Operands)
	if err != nil {
		return message.Failed(cmd, err), nil
	}

	notification := &Notification{
		Message:    fmt.Sprintf("Calculation result: %g (operation: %s)", result, cmd.Operation),
		Importance: ImportanceNormal,
	}
	if err := h.bus.Publish(ctx, notification); err != nil {
		return message.CommandResult{}, fmt.Errorf("publish calculation notification: %w", err)
	}

	return message.Succeeded(cmd, result), nil
}

func (h *Handlers) Log(ctx context.Context, cmd *LogCommand) (message.CommandResult, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cmd.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warning", "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	h.log.Log(ctx, level, "[Command Log] "+cmd.Message, "session", cmd.SessionID)

	notification := &Notification{
		Message:    "Log entry created: " + cmd.Message,
		Importance: ImportanceLow,
	}
	if err := h.bus.Publish(ctx, notification); err != nil {
		return message.CommandResult{}, fmt.Errorf("publish log notification: %w", err)
	}

	return message.Succeeded(cmd, nil), nil
}

func (h *Handlers) Deploy(ctx context.Context, cmd *Deploy) (message.CommandResult, error) {
	if strings.TrimSpace(cmd.Target) == "" {
		return message.CommandResult{}, errors.New("deploy target is required")
	}

	h.log.InfoContext(ctx, "Deploying", "target", cmd.Target)
	return message.Succeeded(cmd, "deployed "+cmd.Target), nil
}

// Doubling wraps a calculate handler so its numeric result is doubled.
// The scenario installs it in one session to show per-session overrides.
func (h *Handlers) Doubling(ctx context.Context, cmd *Calculate) (message.CommandResult, error) {
	result, err := h.Calculate(ctx, cmd)
	if err != nil || !result.Success {
		return result, err
	}

	value, ok := result.Result.(float64)
	if !ok {
		return result, nil
	}
	doubled := value * 2

	notification := &Notification{
		Message:    fmt.Sprintf("Result doubled in session: %g", doubled),
		Importance: ImportanceHigh,
	}
	if err := h.bus.Publish(ctx, notification); err != nil {
		return message.CommandResult{}, fmt.Errorf("publish doubling notification: %w", err)
	}

	return message.Succeeded(cmd, doubled), nil
}
