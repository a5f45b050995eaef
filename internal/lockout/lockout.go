// Package lockout throttles repeated failed logins per identifier.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/clock"
)

var ErrLockedOut = errors.New("too many failed attempts")

// LockedOutError says when the identifier may try again.
type LockedOutError struct {
	Until time.Time
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry after %s", e.Until.Format(time.RFC3339))
}

func (e *LockedOutError) Unwrap() error { return ErrLockedOut }

// State is what the service tracks per normalized identifier.
type State struct {
	FailedCount int
	LockUntil   time.Time
}

// Store persists lockout state. The in-memory store serves a single process;
// a shared store can replace it without touching the login path.
type Store interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Put(ctx context.Context, key string, s State) error
	Delete(ctx context.Context, key string) error
}

type Config struct {
	MaxAttempts int
	Duration    time.Duration
}

type Service struct {
	store Store
	cfg   Config
	clock clock.Clock
	log   *zap.Logger
}

func NewService(store Store, cfg Config, clk clock.Clock, log *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	return &Service{store: store, cfg: cfg, clock: clk, log: log}
}

func Normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Check returns a *LockedOutError while the identifier is locked.
func (s *Service) Check(ctx context.Context, identifier string) error {
	st, ok, err := s.store.Get(ctx, Normalize(identifier))
	if err != nil {
		return err
	}
	if ok && s.clock.Now().Before(st.LockUntil) {
		return &LockedOutError{Until: st.LockUntil}
	}
	return nil
}

// RecordFailure counts a failed attempt and locks the identifier once the
// count reaches MaxAttempts. The count restarts after a lock has expired.
func (s *Service) RecordFailure(ctx context.Context, identifier string) (State, error) {
	key := Normalize(identifier)
	st, _, err := s.store.Get(ctx, key)
	if err != nil {
		return State{}, err
	}

	now := s.clock.Now()
	if !st.LockUntil.IsZero() && !now.Before(st.LockUntil) {
		st = State{}
	}
	st.FailedCount++
	if st.FailedCount >= s.cfg.MaxAttempts {
		st.LockUntil = now.Add(s.cfg.Duration)
		s.log.Warn("login locked out",
			zap.String("identifier", key),
			zap.Int("failed_count", st.FailedCount),
			zap.Time("lock_until", st.LockUntil),
		)
	}
	if err := s.store.Put(ctx, key, st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Service) RecordSuccess(ctx context.Context, identifier string) error {
	return s.store.Delete(ctx, Normalize(identifier))
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]State)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.items[key]
	return st, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
