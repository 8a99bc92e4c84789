package bus

import (
	"context"
	"fmt"
	"time"

	"sessionbus/pkg/message"
)

// Execute runs cmd through the handler registered for its kind in the
// command's session, falling back to ROOT. The session is the command's own,
// else the ambient session of ctx, else ROOT.
//
// The only error Execute returns is a *NoHandlerError (or ErrInvalidMessage
// for a nil command). Handler failures, panics included, come back as a
// failed CommandResult wrapping a *HandlerExecutionError.
func (b *Bus) Execute(ctx context.Context, cmd message.Command) (message.CommandResult, error) {
	if cmd == nil {
		return message.CommandResult{}, fmt.Errorf("%w: nil command", ErrInvalidMessage)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	message.StampCommand(cmd)
	meta := cmd.Meta()
	if meta.SessionID == "" {
		meta.SessionID = ambientSession(ctx)
	}
	kind := cmd.Kind()
	ctx = message.ContextWithSession(ctx, meta.SessionID)

	handler, scope, ok := b.registry.resolveCommand(meta.SessionID, kind)
	if !ok {
		return message.CommandResult{}, &NoHandlerError{SessionID: meta.SessionID, Kind: kind}
	}
	if scope != meta.SessionID {
		b.log.DebugContext(ctx, "using ROOT command handler", "command_kind", string(kind))
	}

	started := &message.CommandStarted{
		CommandID:       meta.ID,
		CommandKind:     kind,
		CommandMetadata: meta.Metadata,
	}
	started.SessionID = meta.SessionID
	b.publishLifecycle(ctx, started)

	begin := time.Now()
	var result message.CommandResult
	if approval, ok := cmd.(message.ApprovalCommand); ok {
		result = b.executeApproval(ctx, approval, handler)
	} else {
		result = b.invoke(ctx, cmd, handler)
	}

	finished := &message.CommandFinished{
		CommandID:   meta.ID,
		CommandKind: kind,
		Success:     result.Success,
		Result:      result.Result,
		Error:       result.Error,
		Duration:    time.Since(begin),
	}
	finished.SessionID = meta.SessionID
	b.publishLifecycle(ctx, finished)

	return result, nil
}

func (b *Bus) invoke(ctx context.Context, cmd message.Command, handler CommandHandler) message.CommandResult {
	var result message.CommandResult
	err := safeCall(func() error {
		var handlerErr error
		result, handlerErr = handler(ctx, cmd)
		return handlerErr
	})
	if err != nil {
		meta := cmd.Meta()
		b.log.WarnContext(ctx, "command handler failed", "command_kind", string(cmd.Kind()), "command_id", meta.ID, "error", err)
		return message.Failed(cmd, &HandlerExecutionError{CommandID: meta.ID, Kind: cmd.Kind(), Err: err})
	}

	if result.Command == nil {
		result.Command = cmd
	}
	return result
}

// publishLifecycle publishes a bus-originated event and waits for it. A
// failure is logged; it never changes the command's outcome.
func (b *Bus) publishLifecycle(ctx context.Context, evt message.Event) {
	if err := b.Publish(ctx, evt); err != nil {
		b.log.WarnContext(ctx, "lifecycle event handlers failed", "event_kind", string(evt.Kind()), "error", err)
	}
}
