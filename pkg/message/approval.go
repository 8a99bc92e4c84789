package message

import "time"

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
	StatusExpired  ApprovalStatus = "expired"
)

// MetadataApprovalStatus is the result metadata key carrying the
// ApprovalStatus of an approval command.
const MetadataApprovalStatus = "approval_status"

// ApprovalMeta is embedded by commands that need an out-of-band approval
// before their handler may run.
type ApprovalMeta struct {
	CommandMeta
	Approver  string    `json:"approver,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	OnApproval Event `json:"-"`
	OnDenial   Event `json:"-"`
	OnExpiry   Event `json:"-"`
}

func (m *ApprovalMeta) Approval() *ApprovalMeta { return m }

// IsExpired reports whether the request has a deadline that passed.
func (m *ApprovalMeta) IsExpired(now time.Time) bool {
	if m.ExpiresAt.IsZero() {
		return false
	}

	return now.After(m.ExpiresAt)
}

// ApprovalCommand is a command routed through the approval gate instead of
// straight to its handler.
type ApprovalCommand interface {
	Command
	Approval() *ApprovalMeta
}

// ApprovalStatusOf reads the approval status recorded on a result. Results
// without one are approved when successful and denied otherwise.
func ApprovalStatusOf(result CommandResult) ApprovalStatus {
	if raw, ok := result.Metadata[MetadataApprovalStatus]; ok {
		switch value := raw.(type) {
		case ApprovalStatus:
			return value
		case string:
			return ApprovalStatus(value)
		}
	}

	if result.Success {
		return StatusApproved
	}

	return StatusDenied
}
