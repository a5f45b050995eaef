// Package approval moves quotes through the tiered approval workflow. Every
// transition is authorized, written through the quote compare-and-set and
// recorded in the append-only audit trail.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/quote"
	"github.com/safar/quotesync/internal/store"
)

//go:generate mockgen -source=machine.go -destination=mocks/mock_approval.go -package=mocks

var (
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownUser       = errors.New("unknown user")
)

type Principal struct {
	UserID string
	Role   string
	Rank   int
}

// Authorizer answers role questions. The state machine only compares ranks.
type Authorizer interface {
	Principal(ctx context.Context, userID string) (Principal, error)
	RoleRank(role string) (int, bool)
	// Approvers lists users whose rank is at least minRank, lowest rank first.
	Approvers(ctx context.Context, minRank int) ([]string, error)
}

type Quotes interface {
	Get(ctx context.Context, id string) (*models.Quote, error)
	ApplyTransition(ctx context.Context, id string, expectedVersion int, actor string, t models.Transition) (*models.Quote, error)
	ListExpirable(ctx context.Context) ([]models.Quote, error)
	ListAwaitingReview(ctx context.Context) ([]models.Quote, error)
}

type AuditLog interface {
	Append(ctx context.Context, a models.ApprovalAction) error
	List(ctx context.Context, quoteID string, cursor store.AuditCursor, limit int) (*store.CursorPage[models.ApprovalAction], error)
}

// Request is one actor's attempt at a transition. Target names the reviewer
// for assign-reviewer and the new assignee for delegate.
type Request struct {
	QuoteID         string `json:"-"`
	ExpectedVersion int    `json:"expected_version"`
	Actor           string `json:"-"`
	Notes           string `json:"notes,omitempty"`
	Target          string `json:"target,omitempty"`
}

type StateMachine struct {
	quotes     Quotes
	audit      AuditLog
	auth       Authorizer
	tiers      *TierTable
	notices    notice.Sink
	clock      clock.Clock
	ids        clock.IDGenerator
	bypassRole string
	log        *zap.Logger
}

// NewStateMachine builds the workflow. Users ranked at or above bypassRole may
// act in place of the current assignee.
func NewStateMachine(quotes Quotes, audit AuditLog, auth Authorizer, tiers *TierTable, sink notice.Sink, clk clock.Clock, ids clock.IDGenerator, bypassRole string, log *zap.Logger) *StateMachine {
	if bypassRole == "" {
		bypassRole = "manager"
	}
	return &StateMachine{
		quotes:     quotes,
		audit:      audit,
		auth:       auth,
		tiers:      tiers,
		notices:    sink,
		clock:      clk,
		ids:        ids,
		bypassRole: bypassRole,
		log:        log,
	}
}

// allowedFrom lists the statuses each action may start from. Expire is
// handled separately: it applies to every non-terminal status.
var allowedFrom = map[models.ApprovalActionKind][]models.Status{
	models.ActionSubmit:         {models.StatusDraft},
	models.ActionAssignReviewer: {models.StatusPendingApproval},
	models.ActionApprove:        {models.StatusInReview},
	models.ActionReject:         {models.StatusInReview, models.StatusPendingApproval},
	models.ActionRequestChanges: {models.StatusInReview, models.StatusPendingApproval},
	models.ActionResubmit:       {models.StatusChangesRequested},
	models.ActionSend:           {models.StatusApproved},
	models.ActionDelegate:       {models.StatusInReview, models.StatusPendingApproval},
	models.ActionRecall:         {models.StatusInReview, models.StatusPendingApproval},
}

func canStart(action models.ApprovalActionKind, from models.Status) bool {
	if action == models.ActionExpire {
		return !from.Terminal()
	}
	for _, s := range allowedFrom[action] {
		if s == from {
			return true
		}
	}
	return false
}

func (m *StateMachine) Submit(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionSubmit, req)
}

func (m *StateMachine) AssignReviewer(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionAssignReviewer, req)
}

func (m *StateMachine) Approve(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionApprove, req)
}

func (m *StateMachine) Reject(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionReject, req)
}

func (m *StateMachine) RequestChanges(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionRequestChanges, req)
}

func (m *StateMachine) Resubmit(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionResubmit, req)
}

func (m *StateMachine) Send(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionSend, req)
}

func (m *StateMachine) Expire(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionExpire, req)
}

func (m *StateMachine) Delegate(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionDelegate, req)
}

func (m *StateMachine) Recall(ctx context.Context, req Request) (*models.Quote, error) {
	return m.transition(ctx, models.ActionRecall, req)
}

// Perform dispatches by action name.
func (m *StateMachine) Perform(ctx context.Context, action models.ApprovalActionKind, req Request) (*models.Quote, error) {
	if _, ok := allowedFrom[action]; !ok && action != models.ActionExpire {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	return m.transition(ctx, action, req)
}

// plan is what a transition will write and who hears about it.
type plan struct {
	next       models.Transition
	recipients []string
	tier       *int
}

func (m *StateMachine) transition(ctx context.Context, action models.ApprovalActionKind, req Request) (*models.Quote, error) {
	q, err := m.quotes.Get(ctx, req.QuoteID)
	if err != nil {
		return nil, err
	}
	// Never evaluate a transition against a stale base.
	if q.Version != req.ExpectedVersion {
		return nil, &quote.ConflictError{CurrentVersion: q.Version}
	}
	if !canStart(action, q.Status) {
		return nil, fmt.Errorf("%w: cannot %s a quote in status %s", ErrInvalidTransition, action, q.Status)
	}

	p, err := m.authorizeAndPlan(ctx, action, q, req)
	if err != nil {
		return nil, err
	}
	if !p.next.Status.UnderReview() {
		p.next.CurrentAssigneeID = nil
	}

	updated, err := m.quotes.ApplyTransition(ctx, q.ID, req.ExpectedVersion, req.Actor, p.next)
	if err != nil {
		return nil, err
	}

	m.record(ctx, action, req, q, updated, p.tier)
	m.notify(action, req, updated, p.recipients)
	return updated, nil
}

func (m *StateMachine) authorizeAndPlan(ctx context.Context, action models.ApprovalActionKind, q *models.Quote, req Request) (plan, error) {
	now := m.clock.Now()
	next := models.Transition{
		Status:            q.Status,
		CurrentAssigneeID: q.CurrentAssigneeID,
		ApprovalTier:      q.ApprovalTier,
		ApprovalStatus:    q.ApprovalStatus,
		ApprovalNotes:     q.ApprovalNotes,
	}
	if req.Notes != "" {
		next.ApprovalNotes = req.Notes
	}
	p := plan{tier: q.ApprovalTier}

	if action == models.ActionExpire || action == models.ActionAssignReviewer {
		if req.Actor != models.SystemActor {
			return plan{}, fmt.Errorf("%w: %s is a system action", ErrForbidden, action)
		}
	}

	switch action {
	case models.ActionSubmit, models.ActionResubmit:
		if err := m.requireOwner(ctx, q, req.Actor); err != nil {
			return plan{}, err
		}
		first, ok := m.tiers.First()
		if !ok {
			return plan{}, ErrNoTier
		}
		if _, err := m.tiers.Resolve(q.Value); err != nil {
			return plan{}, err
		}
		assignee, approvers, err := m.route(ctx, first, q.CreatedBy)
		if err != nil {
			return plan{}, err
		}
		next.Status = models.StatusPendingApproval
		next.ApprovalTier = models.IntPtr(first.Level)
		next.CurrentAssigneeID = assignee
		next.ApprovalStatus = "pending"
		next.SubmittedBy = models.StringPtr(req.Actor)
		next.SubmittedAt = models.TimePtr(now)
		p.tier = next.ApprovalTier
		p.recipients = approvers

	case models.ActionAssignReviewer:
		tier, err := m.currentTier(q)
		if err != nil {
			return plan{}, err
		}
		reviewer := req.Target
		if reviewer == "" && q.CurrentAssigneeID != nil {
			reviewer = *q.CurrentAssigneeID
		}
		if reviewer == "" {
			assignee, _, err := m.route(ctx, tier, q.CreatedBy)
			if err != nil {
				return plan{}, err
			}
			if assignee == nil {
				return plan{}, fmt.Errorf("%w: no eligible reviewer for tier %d", ErrInvalidTransition, tier.Level)
			}
			reviewer = *assignee
		}
		if err := m.requireTierRank(ctx, reviewer, tier); err != nil {
			return plan{}, err
		}
		next.Status = models.StatusInReview
		next.CurrentAssigneeID = models.StringPtr(reviewer)
		next.ApprovalStatus = "in-review"
		p.recipients = []string{reviewer}

	case models.ActionApprove:
		tier, err := m.currentTier(q)
		if err != nil {
			return plan{}, err
		}
		if err := m.requireAssignee(ctx, q, req.Actor, tier); err != nil {
			return plan{}, err
		}
		final, err := m.tiers.Resolve(q.Value)
		if err != nil {
			return plan{}, err
		}
		p.recipients = []string{q.CreatedBy}
		if nextTier, ok := m.tiers.Next(tier.Level, final.Level); ok {
			assignee, approvers, err := m.route(ctx, nextTier, q.CreatedBy)
			if err != nil {
				return plan{}, err
			}
			next.Status = models.StatusPendingApproval
			next.ApprovalTier = models.IntPtr(nextTier.Level)
			next.CurrentAssigneeID = assignee
			next.ApprovalStatus = "tier-" + strconv.Itoa(tier.Level) + "-approved"
			p.recipients = append(p.recipients, approvers...)
		} else {
			next.Status = models.StatusApproved
			next.ApprovalStatus = "approved"
			next.ApprovedBy = models.StringPtr(req.Actor)
			next.ApprovedAt = models.TimePtr(now)
		}

	case models.ActionReject, models.ActionRequestChanges:
		tier, err := m.currentTier(q)
		if err != nil {
			return plan{}, err
		}
		if err := m.requireAssignee(ctx, q, req.Actor, tier); err != nil {
			return plan{}, err
		}
		p.recipients = []string{q.CreatedBy}
		if action == models.ActionReject {
			next.Status = models.StatusRejected
			next.ApprovalStatus = "rejected"
			next.RejectedBy = models.StringPtr(req.Actor)
			next.RejectedAt = models.TimePtr(now)
		} else {
			next.Status = models.StatusChangesRequested
			next.ApprovalStatus = "changes-requested"
			next.ApprovalTier = nil
		}

	case models.ActionSend:
		if err := m.requireOwner(ctx, q, req.Actor); err != nil {
			return plan{}, err
		}
		next.Status = models.StatusSentToCustomer
		p.recipients = []string{q.CreatedBy}

	case models.ActionExpire:
		next.Status = models.StatusExpired
		next.ApprovalStatus = "expired"
		p.recipients = []string{q.CreatedBy}

	case models.ActionDelegate:
		tier, err := m.currentTier(q)
		if err != nil {
			return plan{}, err
		}
		if req.Target == "" {
			return plan{}, fmt.Errorf("%w: delegate needs a target", ErrInvalidTransition)
		}
		if err := m.requireAssigneeOrBypass(ctx, q, req.Actor); err != nil {
			return plan{}, err
		}
		if err := m.requireTierRank(ctx, req.Target, tier); err != nil {
			return plan{}, err
		}
		next.CurrentAssigneeID = models.StringPtr(req.Target)
		p.recipients = []string{req.Target}

	case models.ActionRecall:
		if req.Actor != q.CreatedBy {
			if err := m.requireBypass(ctx, req.Actor); err != nil {
				return plan{}, err
			}
		}
		next.Status = models.StatusDraft
		next.ApprovalTier = nil
		next.ApprovalStatus = "recalled"
		if q.CurrentAssigneeID != nil {
			p.recipients = []string{*q.CurrentAssigneeID}
		}

	default:
		return plan{}, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}

	p.next = next
	return p, nil
}

func (m *StateMachine) currentTier(q *models.Quote) (Tier, error) {
	if q.ApprovalTier == nil {
		return Tier{}, fmt.Errorf("%w: quote has no approval tier", ErrInvalidTransition)
	}
	tier, ok := m.tiers.Level(*q.ApprovalTier)
	if !ok {
		return Tier{}, fmt.Errorf("%w: tier %d is not configured", ErrNoTier, *q.ApprovalTier)
	}
	return tier, nil
}

func (m *StateMachine) principal(ctx context.Context, userID string) (Principal, error) {
	if userID == "" || userID == models.SystemActor {
		return Principal{}, fmt.Errorf("%w: %q cannot act as a user", ErrForbidden, userID)
	}
	p, err := m.auth.Principal(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return Principal{}, fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return Principal{}, err
	}
	return p, nil
}

func (m *StateMachine) hasBypass(p Principal) bool {
	rank, ok := m.auth.RoleRank(m.bypassRole)
	return ok && p.Rank >= rank
}

func (m *StateMachine) requireBypass(ctx context.Context, actor string) error {
	p, err := m.principal(ctx, actor)
	if err != nil {
		return err
	}
	if !m.hasBypass(p) {
		return fmt.Errorf("%w: %s (%s) is below %s", ErrForbidden, actor, p.Role, m.bypassRole)
	}
	return nil
}

// requireOwner admits the creator, the assigned salesperson, or anyone at or
// above the bypass role.
func (m *StateMachine) requireOwner(ctx context.Context, q *models.Quote, actor string) error {
	if actor == q.CreatedBy || (q.AssignedTo != nil && *q.AssignedTo == actor) {
		if _, err := m.principal(ctx, actor); err != nil {
			return err
		}
		return nil
	}
	return m.requireBypass(ctx, actor)
}

func (m *StateMachine) requireAssigneeOrBypass(ctx context.Context, q *models.Quote, actor string) error {
	p, err := m.principal(ctx, actor)
	if err != nil {
		return err
	}
	isAssignee := q.CurrentAssigneeID != nil && *q.CurrentAssigneeID == actor
	if !isAssignee && !m.hasBypass(p) {
		return fmt.Errorf("%w: %s is not the current assignee", ErrForbidden, actor)
	}
	return nil
}

// requireAssignee admits the current assignee, or a bypass-ranked user, as
// long as their rank satisfies the tier.
func (m *StateMachine) requireAssignee(ctx context.Context, q *models.Quote, actor string, tier Tier) error {
	if err := m.requireAssigneeOrBypass(ctx, q, actor); err != nil {
		return err
	}
	return m.requireTierRank(ctx, actor, tier)
}

func (m *StateMachine) requireTierRank(ctx context.Context, userID string, tier Tier) error {
	p, err := m.principal(ctx, userID)
	if err != nil {
		return err
	}
	need, ok := m.auth.RoleRank(tier.ApproverRole)
	if !ok {
		return fmt.Errorf("%w: tier %d approver role %q is unknown", ErrNoTier, tier.Level, tier.ApproverRole)
	}
	if p.Rank < need {
		return fmt.Errorf("%w: %s (%s) cannot act on tier %d", ErrForbidden, userID, p.Role, tier.Level)
	}
	return nil
}

// route picks the assignee for tier: the first eligible approver who is not
// the quote's creator. It also returns every eligible approver.
func (m *StateMachine) route(ctx context.Context, tier Tier, creator string) (*string, []string, error) {
	need, ok := m.auth.RoleRank(tier.ApproverRole)
	if !ok {
		return nil, nil, fmt.Errorf("%w: tier %d approver role %q is unknown", ErrNoTier, tier.Level, tier.ApproverRole)
	}
	approvers, err := m.auth.Approvers(ctx, need)
	if err != nil {
		return nil, nil, fmt.Errorf("list approvers: %w", err)
	}
	for _, id := range approvers {
		if id != creator {
			return models.StringPtr(id), approvers, nil
		}
	}
	return nil, approvers, nil
}

// record appends the audit row. The transition has already committed, so a
// failed append is logged and not returned.
func (m *StateMachine) record(ctx context.Context, action models.ApprovalActionKind, req Request, before, after *models.Quote, tier *int) {
	err := m.audit.Append(ctx, models.ApprovalAction{
		ID:           m.ids.New(),
		QuoteID:      after.ID,
		Action:       action,
		PerformedBy:  req.Actor,
		Tier:         tier,
		Notes:        req.Notes,
		StatusBefore: before.Status,
		StatusAfter:  after.Status,
		Version:      after.Version,
		CreatedAt:    m.clock.Now(),
	})
	if err != nil {
		m.log.Error("approval audit write failed",
			zap.String("quote_id", after.ID),
			zap.String("action", string(action)),
			zap.String("user_id", req.Actor),
			zap.Int("version", after.Version),
			zap.Error(err),
		)
	}
}

func (m *StateMachine) notify(action models.ApprovalActionKind, req Request, q *models.Quote, recipients []string) {
	detail := map[string]string{
		"action":  string(action),
		"status":  string(q.Status),
		"version": strconv.Itoa(q.Version),
	}
	if q.ApprovalTier != nil {
		detail["tier"] = strconv.Itoa(*q.ApprovalTier)
	}
	if req.Notes != "" {
		detail["notes"] = req.Notes
	}
	m.notices.Emit(notice.Notice{
		Kind:       notice.KindTransition,
		QuoteID:    q.ID,
		Actor:      req.Actor,
		Timestamp:  m.clock.Now(),
		Detail:     detail,
		Recipients: dedupe(recipients, req.Actor),
	})
}

// Trail lists the audit rows for a quote, oldest first.
func (m *StateMachine) Trail(ctx context.Context, quoteID, cursor string, limit int) (*store.CursorPage[models.ApprovalAction], error) {
	c, err := store.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	return m.audit.List(ctx, quoteID, c, limit)
}

// ExpireDue expires every non-terminal quote whose validity has lapsed. A
// quote that changed underneath the sweep is skipped until the next run.
func (m *StateMachine) ExpireDue(ctx context.Context) (int, error) {
	due, err := m.quotes.ListExpirable(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, q := range due {
		_, err := m.Expire(ctx, Request{
			QuoteID:         q.ID,
			ExpectedVersion: q.Version,
			Actor:           models.SystemActor,
			Notes:           "validity lapsed",
		})
		if err != nil {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			m.log.Warn("expire quote", zap.String("quote_id", q.ID), zap.Int("version", q.Version), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// AssignPending moves every pending-approval quote that has a routed
// assignee into review. Quotes with nobody eligible stay pending.
func (m *StateMachine) AssignPending(ctx context.Context) (int, error) {
	pending, err := m.quotes.ListAwaitingReview(ctx)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, q := range pending {
		if q.CurrentAssigneeID == nil {
			continue
		}
		_, err := m.AssignReviewer(ctx, Request{
			QuoteID:         q.ID,
			ExpectedVersion: q.Version,
			Actor:           models.SystemActor,
		})
		if err != nil {
			if ctx.Err() != nil {
				return assigned, ctx.Err()
			}
			m.log.Warn("assign reviewer", zap.String("quote_id", q.ID), zap.Int("version", q.Version), zap.Error(err))
			continue
		}
		assigned++
	}
	return assigned, nil
}

func dedupe(ids []string, skip string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == skip || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
