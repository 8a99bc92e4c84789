package message

import "time"

const (
	KindCommandStarted     Kind = "command_started"
	KindCommandFinished    Kind = "command_finished"
	KindEventHandlerFailed Kind = "event_handler_failed"
	KindSessionStarted     Kind = "session_started"
	KindSessionEnded       Kind = "session_ended"
	KindScheduledEvent     Kind = "scheduled_event"
	KindApprovalRequested  Kind = "approval_requested"
	KindApprovalGranted    Kind = "approval_granted"
	KindApprovalDenied     Kind = "approval_denied"
	KindApprovalExpired    Kind = "approval_expired"
)

// IsLifecycle reports whether kind is one of the events the bus emits on
// its own behalf.
func IsLifecycle(kind Kind) bool {
	switch kind {
	case KindCommandStarted, KindCommandFinished, KindEventHandlerFailed,
		KindSessionStarted, KindSessionEnded,
		KindApprovalRequested, KindApprovalGranted, KindApprovalDenied, KindApprovalExpired:
		return true
	default:
		return false
	}
}

// CommandStarted is published right before a command handler runs.
type CommandStarted struct {
	EventMeta
	CommandID       string         `json:"command_id"`
	CommandKind     Kind           `json:"command_kind"`
	CommandMetadata map[string]any `json:"command_metadata,omitempty"`
}

func (*CommandStarted) Kind() Kind { return KindCommandStarted }

// CommandFinished is published after a command handler returned, whatever
// the outcome.
type CommandFinished struct {
	EventMeta
	CommandID   string        `json:"command_id"`
	CommandKind Kind          `json:"command_kind"`
	Success     bool          `json:"success"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func (*CommandFinished) Kind() Kind { return KindCommandFinished }

// EventHandlerFailed describes one handler or hook failure while errors are
// suppressed.
type EventHandlerFailed struct {
	EventMeta
	FailedEventID   string `json:"failed_event_id"`
	FailedEventKind Kind   `json:"failed_event_kind"`
	Handler         string `json:"handler"`
	Hook            bool   `json:"hook,omitempty"`
	Error           string `json:"error"`
}

func (*EventHandlerFailed) Kind() Kind { return KindEventHandlerFailed }

// SessionStarted is published when a session scope is entered.
type SessionStarted struct {
	EventMeta
}

func (*SessionStarted) Kind() Kind { return KindSessionStarted }

// SessionEnded is published when a session scope is left. Error holds the
// failure that escaped the scope, if any.
type SessionEnded struct {
	EventMeta
	Error string `json:"error,omitempty"`
}

func (*SessionEnded) Kind() Kind { return KindSessionEnded }

// ApprovalOutcome is the body shared by approval lifecycle events.
type ApprovalOutcome struct {
	CommandID   string    `json:"command_id"`
	CommandKind Kind      `json:"command_kind"`
	Approver    string    `json:"approver,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type ApprovalRequested struct {
	EventMeta
	ApprovalOutcome
}

func (*ApprovalRequested) Kind() Kind { return KindApprovalRequested }

type ApprovalGranted struct {
	EventMeta
	ApprovalOutcome
}

func (*ApprovalGranted) Kind() Kind { return KindApprovalGranted }

type ApprovalDenied struct {
	EventMeta
	ApprovalOutcome
}

func (*ApprovalDenied) Kind() Kind { return KindApprovalDenied }

type ApprovalExpired struct {
	EventMeta
	ApprovalOutcome
}

func (*ApprovalExpired) Kind() Kind { return KindApprovalExpired }
