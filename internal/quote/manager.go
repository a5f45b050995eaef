// Package quote owns the optimistic-concurrency contract and the exclusive
// edit lock over the quote aggregate.
package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/store"
)

// Repository is the persistence collaborator. CompareAndSwap and AcquireLock
// must refuse atomically with *store.StaleWriteError.
type Repository interface {
	Create(ctx context.Context, q *models.Quote) (*models.Quote, error)
	Get(ctx context.Context, id string) (*models.Quote, error)
	List(ctx context.Context, page, pageSize int) (*store.OffsetPage[models.Quote], error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int, actor string, u models.QuoteUpdate) (*models.Quote, error)
	AcquireLock(ctx context.Context, id, userID string) (*models.Quote, error)
	ReleaseLock(ctx context.Context, id, userID string) (bool, error)
	ReclaimStaleLocks(ctx context.Context, cutoff time.Time) ([]string, error)
	ListExpirable(ctx context.Context, now time.Time) ([]models.Quote, error)
	ListAwaitingReview(ctx context.Context) ([]models.Quote, error)
}

type CreateRequest struct {
	Title        string
	CustomerName string
	Value        decimal.Decimal
	Notes        string
	AssignedTo   *string
	ValidUntil   *time.Time
	CreatedBy    string
}

type LockResult struct {
	QuoteID  string    `json:"quote_id"`
	LockedBy string    `json:"locked_by"`
	LockedAt time.Time `json:"locked_at"`
	Version  int       `json:"version"`
}

type Manager struct {
	repo    Repository
	events  events.Publisher
	notices notice.Sink
	clock   clock.Clock
	ids     clock.IDGenerator
	log     *zap.Logger
}

func NewManager(repo Repository, pub events.Publisher, sink notice.Sink, clk clock.Clock, ids clock.IDGenerator, log *zap.Logger) *Manager {
	return &Manager{
		repo:    repo,
		events:  pub,
		notices: sink,
		clock:   clk,
		ids:     ids,
		log:     log,
	}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Quote, error) {
	if req.CreatedBy == "" {
		return nil, fmt.Errorf("create quote: missing creator")
	}

	q, err := m.repo.Create(ctx, &models.Quote{
		ID:           m.ids.New(),
		Title:        req.Title,
		CustomerName: req.CustomerName,
		Value:        req.Value,
		Notes:        req.Notes,
		AssignedTo:   req.AssignedTo,
		ValidUntil:   req.ValidUntil,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, events.KindQuoteCreated, q)
	return q, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.Quote, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, page, pageSize int) (*store.OffsetPage[models.Quote], error) {
	return m.repo.List(ctx, page, pageSize)
}

// AcquireLock succeeds when the quote is unlocked or already locked by
// userID, refreshing lockedAt. It never bumps the version.
func (m *Manager) AcquireLock(ctx context.Context, quoteID, userID string) (*LockResult, error) {
	q, err := m.repo.AcquireLock(ctx, quoteID, userID)
	var stale *store.StaleWriteError
	if errors.As(err, &stale) && stale.Current != nil && stale.Current.LockedBy == nil {
		// The holder released between the refused write and the re-read.
		q, err = m.repo.AcquireLock(ctx, quoteID, userID)
	}
	if err != nil {
		if !errors.As(err, &stale) || stale.Current == nil {
			return nil, err
		}
		if stale.Current.LockedBy == nil {
			return nil, &ConflictError{CurrentVersion: stale.Current.Version}
		}
		held := lockHeld(stale.Current)
		m.notices.Emit(notice.Notice{
			Kind:      notice.KindLockDenied,
			QuoteID:   quoteID,
			Actor:     userID,
			Timestamp: m.clock.Now(),
			Detail: map[string]string{
				"held_by": held.By,
				"since":   held.Since.Format(time.RFC3339),
			},
		})
		return nil, held
	}

	return &LockResult{
		QuoteID:  q.ID,
		LockedBy: userID,
		LockedAt: *q.LockedAt,
		Version:  q.Version,
	}, nil
}

// ReleaseLock is a no-op when userID does not hold the lock.
func (m *Manager) ReleaseLock(ctx context.Context, quoteID, userID string) error {
	released, err := m.repo.ReleaseLock(ctx, quoteID, userID)
	if err != nil {
		return err
	}
	if released {
		m.log.Debug("lock released", zap.String("quote_id", quoteID), zap.String("user_id", userID))
	}
	return nil
}

// PersistMutation writes patch only if the stored version still equals
// expectedVersion and the lock is free or held by userID.
func (m *Manager) PersistMutation(ctx context.Context, quoteID string, expectedVersion int, patch models.QuotePatch, userID string) (*models.Quote, error) {
	if patch.Empty() {
		return nil, ErrEmptyPatch
	}
	if patch.Value != nil {
		// Status only changes with a version bump, so checking it at
		// expectedVersion holds for the write below. Any other version fails
		// the compare-and-set anyway.
		current, err := m.repo.Get(ctx, quoteID)
		if err != nil {
			return nil, err
		}
		if current.Version == expectedVersion && !current.Status.ValueEditable() {
			return nil, fmt.Errorf("%w: %s", ErrValueFrozen, current.Status)
		}
	}
	q, err := m.repo.CompareAndSwap(ctx, quoteID, expectedVersion, userID, models.QuoteUpdate{Patch: &patch})
	if err != nil {
		return nil, m.classify(err, expectedVersion, userID)
	}

	m.publish(ctx, events.KindQuoteUpdated, q)
	return q, nil
}

// ApplyTransition is the only write path that changes status. It goes
// through the same compare-and-set as PersistMutation.
func (m *Manager) ApplyTransition(ctx context.Context, quoteID string, expectedVersion int, actor string, t models.Transition) (*models.Quote, error) {
	q, err := m.repo.CompareAndSwap(ctx, quoteID, expectedVersion, actor, models.QuoteUpdate{Transition: &t})
	if err != nil {
		return nil, m.classify(err, expectedVersion, actor)
	}

	m.publish(ctx, events.KindQuoteTransitioned, q)
	return q, nil
}

// ReclaimStaleLocks clears locks held longer than olderThan.
func (m *Manager) ReclaimStaleLocks(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ids, err := m.repo.ReclaimStaleLocks(ctx, m.clock.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		m.log.Info("reclaimed stale lock", zap.String("quote_id", id))
	}
	return ids, nil
}

func (m *Manager) ListExpirable(ctx context.Context) ([]models.Quote, error) {
	return m.repo.ListExpirable(ctx, m.clock.Now())
}

// ListAwaitingReview returns pending-approval quotes, oldest submission first.
func (m *Manager) ListAwaitingReview(ctx context.Context) ([]models.Quote, error) {
	return m.repo.ListAwaitingReview(ctx)
}

// classify turns a refused guarded write into the caller-facing error. A
// version mismatch wins over a held lock: the caller must re-fetch either way.
func (m *Manager) classify(err error, expectedVersion int, actor string) error {
	var stale *store.StaleWriteError
	if !errors.As(err, &stale) || stale.Current == nil {
		return err
	}

	current := stale.Current
	if current.Version != expectedVersion || current.EditableBy(actor) {
		return &ConflictError{CurrentVersion: current.Version}
	}
	return lockHeld(current)
}

func lockHeld(q *models.Quote) *LockHeldError {
	e := &LockHeldError{}
	if q.LockedBy != nil {
		e.By = *q.LockedBy
	}
	if q.LockedAt != nil {
		e.Since = *q.LockedAt
	}
	return e
}

// publish reports a persisted write. The write has already committed, so a
// transport failure is logged and subscribers catch up on their next resync.
func (m *Manager) publish(ctx context.Context, kind events.Kind, q *models.Quote) {
	err := m.events.Publish(ctx, events.ChangeEvent{
		AggregateID: q.ID,
		NewVersion:  q.Version,
		PerformedBy: q.UpdatedBy,
		Kind:        kind,
		OccurredAt:  q.UpdatedAt,
	})
	if err != nil {
		m.log.Warn("publish change event",
			zap.String("quote_id", q.ID),
			zap.Int("version", q.Version),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
