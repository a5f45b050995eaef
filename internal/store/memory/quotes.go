// Package memory holds in-process stores with the same guarded-write
// semantics as the Postgres stores. A single mutex serializes every write, so
// the compare-and-set is atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/database"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/store"
)

type QuoteStore struct {
	mu     sync.Mutex
	quotes map[string]*models.Quote
	seq    int64
	clock  clock.Clock
}

func NewQuoteStore(c clock.Clock) *QuoteStore {
	return &QuoteStore{
		quotes: make(map[string]*models.Quote),
		clock:  c,
	}
}

func (s *QuoteStore) Create(_ context.Context, q *models.Quote) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quotes[q.ID]; ok {
		return nil, database.ErrDuplicateReference
	}

	now := s.clock.Now()
	s.seq++
	created := q.Clone()
	if created.Reference == "" {
		created.Reference = store.FormatReference(now, s.seq)
	}
	for _, existing := range s.quotes {
		if existing.Reference == created.Reference {
			return nil, database.ErrDuplicateReference
		}
	}
	created.Status = models.StatusDraft
	created.CreatedAt = now
	created.UpdatedAt = now
	created.UpdatedBy = q.CreatedBy
	created.Version = 1
	created.LockedBy = nil
	created.LockedAt = nil
	created.CurrentAssigneeID = nil

	s.quotes[created.ID] = created
	return created.Clone(), nil
}

func (s *QuoteStore) Get(_ context.Context, id string) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok {
		return nil, database.ErrQuoteNotFound
	}
	return q.Clone(), nil
}

func (s *QuoteStore) List(_ context.Context, page, pageSize int) (*store.OffsetPage[models.Quote], error) {
	page, pageSize = store.NormalizePage(page, pageSize)

	s.mu.Lock()
	all := make([]models.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		all = append(all, *q.Clone())
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	start := (page - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return store.NewOffsetPage(all[start:end], int64(len(all)), page, pageSize), nil
}

func (s *QuoteStore) CompareAndSwap(_ context.Context, id string, expectedVersion int, actor string, u models.QuoteUpdate) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.quotes[id]
	if !ok {
		return nil, database.ErrQuoteNotFound
	}
	if current.Version != expectedVersion || !current.EditableBy(actor) {
		return nil, &store.StaleWriteError{Current: current.Clone()}
	}

	next := current.Clone()
	u.Apply(next)
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now()
	next.UpdatedBy = actor

	s.quotes[id] = next
	return next.Clone(), nil
}

func (s *QuoteStore) AcquireLock(_ context.Context, id, userID string) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok {
		return nil, database.ErrQuoteNotFound
	}
	if q.LockedBy != nil && *q.LockedBy != userID {
		return nil, &store.StaleWriteError{Current: q.Clone()}
	}

	q.LockedBy = models.StringPtr(userID)
	q.LockedAt = models.TimePtr(s.clock.Now())
	return q.Clone(), nil
}

func (s *QuoteStore) ReleaseLock(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok || q.LockedBy == nil || *q.LockedBy != userID {
		return false, nil
	}
	q.LockedBy = nil
	q.LockedAt = nil
	return true, nil
}

func (s *QuoteStore) ReclaimStaleLocks(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, q := range s.quotes {
		if q.LockedBy != nil && q.LockedAt.Before(cutoff) {
			q.LockedBy = nil
			q.LockedAt = nil
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *QuoteStore) ListExpirable(_ context.Context, now time.Time) ([]models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Quote
	for _, q := range s.quotes {
		if q.ValidUntil != nil && q.ValidUntil.Before(now) && !q.Status.Terminal() {
			due = append(due, *q.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ValidUntil.Before(*due[j].ValidUntil) })
	return due, nil
}

func (s *QuoteStore) ListAwaitingReview(_ context.Context) ([]models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.Quote
	for _, q := range s.quotes {
		if q.Status == models.StatusPendingApproval {
			pending = append(pending, *q.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.SubmittedAt != nil && b.SubmittedAt != nil && !a.SubmittedAt.Equal(*b.SubmittedAt) {
			return a.SubmittedAt.Before(*b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	return pending, nil
}
