package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"sessionbus/pkg/message"
)

// Approver decides out of band whether an approval command may run. The
// context carries the command's ExpiresAt as its deadline.
type Approver interface {
	Approve(ctx context.Context, cmd message.ApprovalCommand) (bool, error)
}

type ApproverFunc func(ctx context.Context, cmd message.ApprovalCommand) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, cmd message.ApprovalCommand) (bool, error) {
	return f(ctx, cmd)
}

// executeApproval is the gate every ApprovalCommand passes through. With an
// Approver the handler only runs once approval is granted. Without one the
// handler itself decides and reports the outcome in result metadata. Either
// way the result carries message.MetadataApprovalStatus.
func (b *Bus) executeApproval(ctx context.Context, cmd message.ApprovalCommand, handler CommandHandler) message.CommandResult {
	meta := cmd.Approval()
	outcome := message.ApprovalOutcome{
		CommandID:   meta.ID,
		CommandKind: cmd.Kind(),
		Approver:    meta.Approver,
		ExpiresAt:   meta.ExpiresAt,
	}

	if meta.IsExpired(b.now()) {
		return b.settleApproval(ctx, cmd, message.Failed(cmd, ErrApprovalExpired), message.StatusExpired, outcome)
	}

	gateCtx := ctx
	if !meta.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		gateCtx, cancel = context.WithDeadline(ctx, meta.ExpiresAt)
		defer cancel()
	}

	if b.approver == nil {
		result := b.invoke(gateCtx, cmd, handler)
		status := message.ApprovalStatusOf(result)
		if !result.Success && errors.Is(gateCtx.Err(), context.DeadlineExceeded) {
			status = message.StatusExpired
		}
		return b.settleApproval(ctx, cmd, result, status, outcome)
	}

	requested := &message.ApprovalRequested{ApprovalOutcome: outcome}
	requested.SessionID = meta.SessionID
	b.publishLifecycle(ctx, requested)

	var approved bool
	err := safeCall(func() error {
		var approveErr error
		approved, approveErr = b.approver.Approve(gateCtx, cmd)
		return approveErr
	})

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(gateCtx.Err(), context.DeadlineExceeded)):
		return b.settleApproval(ctx, cmd, message.Failed(cmd, ErrApprovalExpired), message.StatusExpired, outcome)
	case err != nil:
		outcome.Reason = err.Error()
		return b.settleApproval(ctx, cmd, message.Failed(cmd, fmt.Errorf("%w: %w", ErrApprovalDenied, err)), message.StatusDenied, outcome)
	case !approved:
		return b.settleApproval(ctx, cmd, message.Failed(cmd, ErrApprovalDenied), message.StatusDenied, outcome)
	}

	return b.settleApproval(ctx, cmd, b.invoke(ctx, cmd, handler), message.StatusApproved, outcome)
}

func (b *Bus) settleApproval(
	ctx context.Context,
	cmd message.ApprovalCommand,
	result message.CommandResult,
	status message.ApprovalStatus,
	outcome message.ApprovalOutcome,
) message.CommandResult {
	meta := cmd.Approval()
	result.SetMetadata(message.MetadataApprovalStatus, status)
	if outcome.Reason == "" && !result.Success {
		outcome.Reason = result.Error
	}

	var lifecycle, callback message.Event
	switch status {
	case message.StatusApproved:
		granted := &message.ApprovalGranted{ApprovalOutcome: outcome}
		lifecycle, callback = granted, meta.OnApproval
	case message.StatusDenied:
		denied := &message.ApprovalDenied{ApprovalOutcome: outcome}
		lifecycle, callback = denied, meta.OnDenial
	case message.StatusExpired:
		expired := &message.ApprovalExpired{ApprovalOutcome: outcome}
		lifecycle, callback = expired, meta.OnExpiry
	default:
		return result
	}

	lifecycle.Meta().SessionID = meta.SessionID
	b.publishLifecycle(ctx, lifecycle)

	if callback != nil {
		if callback.Meta().SessionID == "" {
			callback.Meta().SessionID = meta.SessionID
		}
		if err := b.Publish(ctx, callback); err != nil {
			b.log.WarnContext(ctx, "approval callback handlers failed", "event_kind", string(callback.Kind()), "error", err)
		}
	}

	return result
}

// PromptApprover asks on Out and reads a y/n answer from In.
type PromptApprover struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

func NewPromptApprover(in io.Reader, out io.Writer) *PromptApprover {
	return &PromptApprover{In: in, Out: out, reader: bufio.NewReader(in)}
}

func (p *PromptApprover) Approve(ctx context.Context, cmd message.ApprovalCommand) (bool, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}

	meta := cmd.Approval()
	prompt := fmt.Sprintf("Approve %s (%s)", cmd.Kind(), meta.ID)
	if meta.Approver != "" {
		prompt += " as " + meta.Approver
	}
	if _, err := fmt.Fprintf(p.Out, "%s? [y/N]: ", prompt); err != nil {
		return false, err
	}

	type answer struct {
		line string
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		answers <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case got := <-answers:
		if got.err != nil && !(errors.Is(got.err, io.EOF) && got.line != "") {
			return false, got.err
		}

		switch strings.ToLower(strings.TrimSpace(got.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
