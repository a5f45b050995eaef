package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/models"
)

type viewerKey struct {
	quoteID string
	userID  string
}

type PresenceStore struct {
	mu      sync.Mutex
	viewers map[viewerKey]models.Viewer
	clock   clock.Clock
}

func NewPresenceStore(c clock.Clock) *PresenceStore {
	return &PresenceStore{
		viewers: make(map[viewerKey]models.Viewer),
		clock:   c,
	}
}

func (s *PresenceStore) Upsert(_ context.Context, v models.Viewer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v.LastSeenAt = s.clock.Now()
	s.viewers[viewerKey{v.QuoteID, v.UserID}] = v
	return nil
}

func (s *PresenceStore) Delete(_ context.Context, quoteID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.viewers, viewerKey{quoteID, userID})
	return nil
}

func (s *PresenceStore) List(_ context.Context, quoteID string, since time.Time) ([]models.Viewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Viewer
	for k, v := range s.viewers {
		if k.quoteID == quoteID && !v.LastSeenAt.Before(since) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *PresenceStore) Sweep(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, v := range s.viewers {
		if v.LastSeenAt.Before(cutoff) {
			delete(s.viewers, k)
			n++
		}
	}
	return n, nil
}
