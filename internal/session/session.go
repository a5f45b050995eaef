// Package session ties together what one user needs while a quote is open:
// the edit lock, presence, the change router and the offline queue.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/offline"
	"github.com/safar/quotesync/internal/presence"
	"github.com/safar/quotesync/internal/quote"
	"github.com/safar/quotesync/internal/router"
)

// Deps are the shared services a session borrows. Queue may be nil, in
// which case saves always go straight to the store.
type Deps struct {
	Quotes    *quote.Manager
	Presence  *presence.Tracker
	Transport events.Transport
	Queue     *offline.Queue
	Notices   notice.Sink
	Clock     clock.Clock
	Log       *zap.Logger

	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
	TeardownTimeout    time.Duration
}

type Session struct {
	deps    Deps
	quoteID string
	user    presence.User

	lock     *quote.LockResult
	heldBy   *quote.LockHeldError
	presence *presence.Handle
	router   *router.Router

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open loads the quote, tries to take the edit lock and starts presence and
// change routing. A lock held by someone else opens the session read-only.
// The caller must Close the session on every exit path.
func Open(ctx context.Context, deps Deps, quoteID string, user presence.User) (*Session, error) {
	if deps.TeardownTimeout <= 0 {
		deps.TeardownTimeout = 5 * time.Second
	}
	if deps.ResubscribeInitial <= 0 {
		deps.ResubscribeInitial = 500 * time.Millisecond
	}
	if deps.ResubscribeMax <= 0 {
		deps.ResubscribeMax = 30 * time.Second
	}
	s := &Session{deps: deps, quoteID: quoteID, user: user, done: make(chan struct{})}

	s.router = router.New(router.Config{
		SelfUserID:         user.ID,
		QuoteID:            quoteID,
		ResubscribeInitial: deps.ResubscribeInitial,
		ResubscribeMax:     deps.ResubscribeMax,
	}, deps.Transport, deps.Quotes, deps.Notices, deps.Clock, deps.Log)
	if _, err := s.router.Load(ctx); err != nil {
		return nil, err
	}

	lock, err := deps.Quotes.AcquireLock(ctx, quoteID, user.ID)
	switch {
	case err == nil:
		s.lock = lock
	case errors.As(err, &s.heldBy):
	default:
		return nil, err
	}

	h, err := deps.Presence.StartTracking(ctx, quoteID, user)
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	s.presence = h

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if err := s.router.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			deps.Log.Warn("change router stopped", zap.String("quote_id", quoteID), zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Session) QuoteID() string { return s.quoteID }

// ReadOnly reports whether another user held the lock when the session opened.
func (s *Session) ReadOnly() bool { return s.lock == nil }

// HeldBy names the lock holder of a read-only session.
func (s *Session) HeldBy() *quote.LockHeldError { return s.heldBy }

func (s *Session) Router() *router.Router { return s.router }

func (s *Session) Viewers() []models.Viewer { return s.presence.Viewers() }

func (s *Session) SetVisible(visible bool) { s.presence.SetVisible(visible) }

// Edit records an unsaved local change.
func (s *Session) Edit() { s.router.MarkEdited() }

// Save persists patch against the local version. While the queue is offline
// or still holds earlier work, the edit is queued and queued is true.
func (s *Session) Save(ctx context.Context, patch models.QuotePatch) (q *models.Quote, queued bool, err error) {
	if s.ReadOnly() {
		return nil, false, s.heldBy
	}
	expected := s.router.LocalVersion()
	marker := s.router.EditMarker()

	persist := func(ctx context.Context) error {
		var err error
		q, err = s.deps.Quotes.PersistMutation(ctx, s.quoteID, expected, patch, s.user.ID)
		return err
	}
	if qu := s.deps.Queue; qu != nil {
		queued, err = qu.Do(ctx, s.quoteID, offline.KindPersistMutation, offline.MutationPayload{
			ExpectedVersion: qu.ExpectedVersion(s.quoteID, expected),
			UserID:          s.user.ID,
			Patch:           patch,
		}, persist)
	} else {
		err = persist(ctx)
	}
	if err != nil || queued {
		return nil, queued, err
	}
	s.router.MarkSaved(q, marker)
	return q, false, nil
}

// Reconnect replays queued work and, if anything was written, adopts the
// stored quote as the saved local copy.
func (s *Session) Reconnect(ctx context.Context) (int, error) {
	qu := s.deps.Queue
	if qu == nil {
		return 0, nil
	}
	qu.SetOnline(true)
	marker := s.router.EditMarker()
	n, err := qu.Replay(ctx)
	if n > 0 {
		current, getErr := s.deps.Quotes.Get(ctx, s.quoteID)
		if getErr == nil {
			s.router.MarkSaved(current, marker)
		} else if err == nil {
			err = getErr
		}
	}
	return n, err
}

// Close stops routing and presence and releases the lock. Teardown is
// best-effort: failures are logged and left to the TTL sweeps.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.presence.Stop()
		s.releaseLock()
	})
}

func (s *Session) releaseLock() {
	if s.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.TeardownTimeout)
	defer cancel()
	if err := s.deps.Quotes.ReleaseLock(ctx, s.quoteID, s.user.ID); err != nil {
		s.deps.Log.Warn("lock release failed",
			zap.String("quote_id", s.quoteID),
			zap.String("user_id", s.user.ID),
			zap.Error(err),
		)
	}
}
