package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/store"
)

type AuditLog struct {
	mu      sync.Mutex
	actions []models.ApprovalAction
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) Append(_ context.Context, a models.ApprovalAction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a.Tier = copyInt(a.Tier)
	l.actions = append(l.actions, a)
	return nil
}

func (l *AuditLog) List(_ context.Context, quoteID string, cursor store.AuditCursor, limit int) (*store.CursorPage[models.ApprovalAction], error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	l.mu.Lock()
	var matched []models.ApprovalAction
	for _, a := range l.actions {
		if a.QuoteID == quoteID && after(a, cursor) {
			matched = append(matched, a)
		}
	}
	l.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}
	return store.PageActions(matched, limit), nil
}

// Len reports how many rows have been appended across all quotes.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

func after(a models.ApprovalAction, c store.AuditCursor) bool {
	if c.IsZero() {
		return true
	}
	if a.CreatedAt.Equal(c.CreatedAt) {
		return a.ID > c.ID
	}
	return a.CreatedAt.After(c.CreatedAt)
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
