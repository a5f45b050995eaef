package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft            Status = "draft"
	StatusPendingApproval  Status = "pending-approval"
	StatusInReview         Status = "in-review"
	StatusApproved         Status = "approved"
	StatusSentToCustomer   Status = "sent-to-customer"
	StatusRejected         Status = "rejected"
	StatusChangesRequested Status = "changes-requested"
	StatusExpired          Status = "expired"
)

// Terminal reports whether no further transition leaves the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSentToCustomer, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ValueEditable reports whether the monetary value may still change. Once a
// quote is submitted its tier is fixed by the value it was submitted with.
func (s Status) ValueEditable() bool {
	return s == StatusDraft || s == StatusChangesRequested
}

// UnderReview reports whether the status routes to a current assignee.
func (s Status) UnderReview() bool {
	return s == StatusPendingApproval || s == StatusInReview
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusInReview, StatusApproved,
		StatusSentToCustomer, StatusRejected, StatusChangesRequested, StatusExpired:
		return true
	}
	return false
}

// Quote is the shared mutable aggregate. Version is bumped by exactly one on
// every persisted mutation and is the only conflict-detection signal.
type Quote struct {
	ID                string          `json:"id"`
	Reference         string          `json:"reference"`
	Title             string          `json:"title"`
	CustomerName      string          `json:"customer_name"`
	Value             decimal.Decimal `json:"value"`
	Notes             string          `json:"notes,omitempty"`
	Status            Status          `json:"status"`
	CreatedBy         string          `json:"created_by"`
	AssignedTo        *string         `json:"assigned_to,omitempty"`
	CurrentAssigneeID *string         `json:"current_assignee_id,omitempty"`
	LockedBy          *string         `json:"locked_by,omitempty"`
	LockedAt          *time.Time      `json:"locked_at,omitempty"`
	ApprovalTier      *int            `json:"approval_tier,omitempty"`
	ApprovalStatus    string          `json:"approval_status,omitempty"`
	ApprovalNotes     string          `json:"approval_notes,omitempty"`
	SubmittedBy       *string         `json:"submitted_by,omitempty"`
	SubmittedAt       *time.Time      `json:"submitted_at,omitempty"`
	ApprovedBy        *string         `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	RejectedBy        *string         `json:"rejected_by,omitempty"`
	RejectedAt        *time.Time      `json:"rejected_at,omitempty"`
	ValidUntil        *time.Time      `json:"valid_until,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	UpdatedBy         string          `json:"updated_by"`
	Version           int             `json:"version"`
}

// Clone returns a deep copy so callers can hold a snapshot while the stored
// value keeps changing.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	c := *q
	c.AssignedTo = cloneString(q.AssignedTo)
	c.CurrentAssigneeID = cloneString(q.CurrentAssigneeID)
	c.LockedBy = cloneString(q.LockedBy)
	c.LockedAt = cloneTime(q.LockedAt)
	c.ApprovalTier = cloneInt(q.ApprovalTier)
	c.SubmittedBy = cloneString(q.SubmittedBy)
	c.SubmittedAt = cloneTime(q.SubmittedAt)
	c.ApprovedBy = cloneString(q.ApprovedBy)
	c.ApprovedAt = cloneTime(q.ApprovedAt)
	c.RejectedBy = cloneString(q.RejectedBy)
	c.RejectedAt = cloneTime(q.RejectedAt)
	c.ValidUntil = cloneTime(q.ValidUntil)
	return &c
}

// EditableBy reports whether the edit lock lets actor write. The system actor
// is never blocked by a user's lock.
func (q *Quote) EditableBy(actor string) bool {
	return actor == SystemActor || q.LockedBy == nil || *q.LockedBy == actor
}

// QuotePatch holds the user-editable fields of a mutation. Nil fields are left
// unchanged. Status is deliberately absent: only approval transitions move it.
type QuotePatch struct {
	Title        *string          `json:"title,omitempty"`
	CustomerName *string          `json:"customer_name,omitempty"`
	Value        *decimal.Decimal `json:"value,omitempty"`
	Notes        *string          `json:"notes,omitempty"`
	AssignedTo   *string          `json:"assigned_to,omitempty"`
	ValidUntil   *time.Time       `json:"valid_until,omitempty"`
}

func (p QuotePatch) Empty() bool {
	return p.Title == nil && p.CustomerName == nil && p.Value == nil &&
		p.Notes == nil && p.AssignedTo == nil && p.ValidUntil == nil
}

// Transition is the approval-owned part of a mutation. A nil CurrentAssigneeID
// clears the assignee; the same holds for ApprovalTier.
type Transition struct {
	Status            Status
	CurrentAssigneeID *string
	ApprovalTier      *int
	ApprovalStatus    string
	ApprovalNotes     string
	SubmittedBy       *string
	SubmittedAt       *time.Time
	ApprovedBy        *string
	ApprovedAt        *time.Time
	RejectedBy        *string
	RejectedAt        *time.Time
}

// QuoteUpdate is what a store applies under compare-and-set. Exactly one of
// Patch or Transition is normally set.
type QuoteUpdate struct {
	Patch      *QuotePatch
	Transition *Transition
}

// Apply writes the update onto q in place. Version and timestamps are the
// store's responsibility.
func (u QuoteUpdate) Apply(q *Quote) {
	if p := u.Patch; p != nil {
		if p.Title != nil {
			q.Title = *p.Title
		}
		if p.CustomerName != nil {
			q.CustomerName = *p.CustomerName
		}
		if p.Value != nil {
			q.Value = *p.Value
		}
		if p.Notes != nil {
			q.Notes = *p.Notes
		}
		if p.AssignedTo != nil {
			if *p.AssignedTo == "" {
				q.AssignedTo = nil
			} else {
				q.AssignedTo = cloneString(p.AssignedTo)
			}
		}
		if p.ValidUntil != nil {
			q.ValidUntil = cloneTime(p.ValidUntil)
		}
	}
	if t := u.Transition; t != nil {
		q.Status = t.Status
		q.CurrentAssigneeID = cloneString(t.CurrentAssigneeID)
		q.ApprovalTier = cloneInt(t.ApprovalTier)
		q.ApprovalStatus = t.ApprovalStatus
		q.ApprovalNotes = t.ApprovalNotes
		if t.SubmittedBy != nil {
			q.SubmittedBy = cloneString(t.SubmittedBy)
			q.SubmittedAt = cloneTime(t.SubmittedAt)
		}
		if t.ApprovedBy != nil {
			q.ApprovedBy = cloneString(t.ApprovedBy)
			q.ApprovedAt = cloneTime(t.ApprovedAt)
		}
		if t.RejectedBy != nil {
			q.RejectedBy = cloneString(t.RejectedBy)
			q.RejectedAt = cloneTime(t.RejectedAt)
		}
	}
}

// Viewer is an ephemeral presence record keyed by (QuoteID, UserID).
type Viewer struct {
	QuoteID    string    `json:"quote_id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type ApprovalActionKind string

const (
	ActionSubmit         ApprovalActionKind = "submit"
	ActionAssignReviewer ApprovalActionKind = "assign-reviewer"
	ActionApprove        ApprovalActionKind = "approve"
	ActionReject         ApprovalActionKind = "reject"
	ActionRequestChanges ApprovalActionKind = "request-changes"
	ActionResubmit       ApprovalActionKind = "resubmit"
	ActionSend           ApprovalActionKind = "send"
	ActionExpire         ApprovalActionKind = "expire"
	ActionDelegate       ApprovalActionKind = "delegate"
	ActionRecall         ApprovalActionKind = "recall"
)

// ApprovalAction is an append-only audit row. Rows are never updated or deleted.
type ApprovalAction struct {
	ID           string             `json:"id"`
	QuoteID      string             `json:"quote_id"`
	Action       ApprovalActionKind `json:"action"`
	PerformedBy  string             `json:"performed_by"`
	Tier         *int               `json:"tier,omitempty"`
	Notes        string             `json:"notes,omitempty"`
	StatusBefore Status             `json:"status_before"`
	StatusAfter  Status             `json:"status_after"`
	Version      int                `json:"version"`
	CreatedAt    time.Time          `json:"created_at"`
}

// SystemActor performs tier routing and time-based expiry.
const SystemActor = "system"

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string { return &s }

func IntPtr(i int) *int { return &i }

func TimePtr(t time.Time) *time.Time { return &t }
