// Package router consumes change events for one client and decides whether a
// remote write is ignored, applied silently or raised as a conflict.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
)

var (
	ErrNoConflict         = errors.New("no pending conflict")
	ErrNotLoaded          = errors.New("local quote not loaded")
	errSubscriptionClosed = errors.New("subscription closed")
)

type Fetcher interface {
	Get(ctx context.Context, id string) (*models.Quote, error)
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeSelf
	OutcomeStale
	OutcomeApplied
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSelf:
		return "self"
	case OutcomeStale:
		return "stale"
	case OutcomeApplied:
		return "applied"
	case OutcomeConflict:
		return "conflict"
	}
	return "ignored"
}

type Resolution int

const (
	DiscardLocal Resolution = iota
	KeepEditing
)

type Config struct {
	SelfUserID string
	// QuoteID scopes the targeted subscription. Empty disables it.
	QuoteID string
	// WatchList also subscribes to the whole collection.
	WatchList bool

	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
}

type Router struct {
	cfg       Config
	transport events.Transport
	fetcher   Fetcher
	notices   notice.Sink
	clock     clock.Clock
	log       *zap.Logger

	mu             sync.Mutex
	local          *models.Quote
	localVersion   int
	updatedAt      time.Time
	lastSavedAt    time.Time
	promptedAt     int
	pendingVersion int
}

func New(cfg Config, transport events.Transport, fetcher Fetcher, sink notice.Sink, clk clock.Clock, log *zap.Logger) *Router {
	if cfg.ResubscribeInitial <= 0 {
		cfg.ResubscribeInitial = 500 * time.Millisecond
	}
	if cfg.ResubscribeMax <= 0 {
		cfg.ResubscribeMax = 30 * time.Second
	}
	return &Router{
		cfg:       cfg,
		transport: transport,
		fetcher:   fetcher,
		notices:   sink,
		clock:     clk,
		log:       log.With(zap.String("user_id", cfg.SelfUserID), zap.String("quote_id", cfg.QuoteID)),
	}
}

// Load fetches the quote and treats it as the clean local copy.
func (r *Router) Load(ctx context.Context) (*models.Quote, error) {
	q, err := r.fetcher.Get(ctx, r.cfg.QuoteID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.setCleanLocked(q)
	return q.Clone(), nil
}

// MarkEdited records an unsaved local change.
func (r *Router) MarkEdited() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Every edit gets a distinct, increasing stamp even on a coarse clock.
	now := r.clock.Now()
	if !now.After(r.updatedAt) {
		now = r.updatedAt.Add(time.Nanosecond)
	}
	r.updatedAt = now
}

// EditMarker stamps the local edits a save is about to carry. Take it before
// issuing the write and pass it to MarkSaved.
func (r *Router) EditMarker() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt
}

// MarkSaved records the client's own successful write so that its echo is
// recognised. Only edits up to marker count as saved; anything edited while
// the write was in flight stays unsaved.
func (r *Router) MarkSaved(q *models.Quote, marker time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q.Version > r.localVersion {
		r.local = q.Clone()
		r.localVersion = q.Version
	}
	if marker.After(r.lastSavedAt) {
		r.lastSavedAt = marker
	}
}

func (r *Router) LocalVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localVersion
}

// Snapshot returns the local copy and its edit state against the latest
// version the router has seen announced.
func (r *Router) Snapshot() (*models.Quote, LocalEditState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remote := r.localVersion
	if r.pendingVersion > remote {
		remote = r.pendingVersion
	}
	return r.local.Clone(), ClassifyLocalEdits(r.updatedAt, r.lastSavedAt, r.localVersion, remote)
}

// HandleEvent applies the routing rules to one targeted event.
func (r *Router) HandleEvent(ctx context.Context, e events.ChangeEvent) (Outcome, error) {
	if e.Kind == events.KindResync {
		return r.resync(ctx)
	}
	if !e.Mutation() || e.AggregateID != r.cfg.QuoteID {
		return OutcomeIgnored, nil
	}
	if e.PerformedBy == r.cfg.SelfUserID {
		return OutcomeSelf, nil
	}
	return r.route(ctx, e.NewVersion, e.PerformedBy)
}

func (r *Router) route(ctx context.Context, remoteVersion int, performedBy string) (Outcome, error) {
	r.mu.Lock()
	if remoteVersion <= r.localVersion || remoteVersion <= r.promptedAt {
		r.mu.Unlock()
		return OutcomeStale, nil
	}
	state := ClassifyLocalEdits(r.updatedAt, r.lastSavedAt, r.localVersion, remoteVersion)
	if state == DirtySuperseded {
		r.raiseConflictLocked(remoteVersion, performedBy)
		r.mu.Unlock()
		return OutcomeConflict, nil
	}
	r.mu.Unlock()

	remote, err := r.fetcher.Get(ctx, r.cfg.QuoteID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("fetch remote quote: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if remote.Version <= r.localVersion {
		return OutcomeStale, nil
	}
	// The user may have started editing while the fetch was in flight.
	if ClassifyLocalEdits(r.updatedAt, r.lastSavedAt, r.localVersion, remote.Version) == DirtySuperseded {
		r.raiseConflictLocked(remote.Version, performedBy)
		return OutcomeConflict, nil
	}

	r.setCleanLocked(remote)
	r.notices.Emit(notice.Notice{
		Kind:      notice.KindRemoteApplied,
		QuoteID:   r.cfg.QuoteID,
		Actor:     remote.UpdatedBy,
		Timestamp: r.clock.Now(),
		Detail: map[string]string{
			"version": strconv.Itoa(remote.Version),
		},
	})
	return OutcomeApplied, nil
}

func (r *Router) raiseConflictLocked(remoteVersion int, performedBy string) {
	r.promptedAt = remoteVersion
	r.pendingVersion = remoteVersion
	r.notices.Emit(notice.Notice{
		Kind:      notice.KindConflict,
		QuoteID:   r.cfg.QuoteID,
		Actor:     performedBy,
		Timestamp: r.clock.Now(),
		Detail: map[string]string{
			"local_version":  strconv.Itoa(r.localVersion),
			"remote_version": strconv.Itoa(remoteVersion),
		},
	})
	r.log.Info("remote write conflicts with local edits",
		zap.Int("local_version", r.localVersion),
		zap.Int("remote_version", remoteVersion),
		zap.String("performed_by", performedBy),
	)
}

// ResolveConflict acts on the user's answer to a conflict prompt.
// DiscardLocal loads the remote state. KeepEditing leaves the local copy as
// is; the next save will fail the version check and must be resolved by hand.
func (r *Router) ResolveConflict(ctx context.Context, choice Resolution) (*models.Quote, error) {
	r.mu.Lock()
	pending := r.pendingVersion
	r.mu.Unlock()
	if pending == 0 {
		return nil, ErrNoConflict
	}

	if choice == KeepEditing {
		r.mu.Lock()
		r.pendingVersion = 0
		local := r.local.Clone()
		r.mu.Unlock()
		return local, nil
	}

	remote, err := r.fetcher.Get(ctx, r.cfg.QuoteID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote quote: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if remote.Version >= r.localVersion {
		r.setCleanLocked(remote)
	}
	r.pendingVersion = 0
	r.notices.Emit(notice.Notice{
		Kind:      notice.KindRemoteApplied,
		QuoteID:   r.cfg.QuoteID,
		Actor:     remote.UpdatedBy,
		Timestamp: r.clock.Now(),
		Detail: map[string]string{
			"version":    strconv.Itoa(remote.Version),
			"resolution": "discard-local",
		},
	})
	return r.local.Clone(), nil
}

// HandleListEvent emits a list-stale notice for collection-level changes made
// by someone else. It never applies anything.
func (r *Router) HandleListEvent(e events.ChangeEvent) bool {
	if e.Kind != events.KindResync && (!e.Mutation() || e.PerformedBy == r.cfg.SelfUserID) {
		return false
	}
	r.notices.Emit(notice.Notice{
		Kind:      notice.KindListStale,
		QuoteID:   e.AggregateID,
		Actor:     e.PerformedBy,
		Timestamp: r.clock.Now(),
	})
	return true
}

// resync re-reads the quote after the transport may have dropped events and
// routes it as if its last write had just been announced.
func (r *Router) resync(ctx context.Context) (Outcome, error) {
	if r.cfg.QuoteID == "" {
		return OutcomeIgnored, nil
	}
	remote, err := r.fetcher.Get(ctx, r.cfg.QuoteID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("resync: %w", err)
	}
	if remote.UpdatedBy == r.cfg.SelfUserID {
		return OutcomeSelf, nil
	}
	return r.route(ctx, remote.Version, remote.UpdatedBy)
}

func (r *Router) setCleanLocked(q *models.Quote) {
	now := r.clock.Now()
	r.local = q.Clone()
	r.localVersion = q.Version
	r.updatedAt = now
	r.lastSavedAt = now
	r.pendingVersion = 0
}

// Run consumes events until ctx ends. A failed subscription is replaced with
// exponential backoff; meanwhile the client keeps working without live
// updates. Every subscription, the first included, is followed by a resync
// so writes made before it existed are not missed.
func (r *Router) Run(ctx context.Context) error {
	first := true
	for {
		target, list, err := r.subscribe(ctx)
		if err != nil {
			return err
		}
		r.afterSubscribe(ctx, first)
		first = false

		err = r.consume(ctx, target, list)
		closeSub(target)
		closeSub(list)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("change subscription lost, resubscribing", zap.Error(err))
	}
}

func (r *Router) afterSubscribe(ctx context.Context, first bool) {
	if _, err := r.resync(ctx); err != nil {
		r.log.Warn("resync after subscribe", zap.Error(err))
	}
	if !first && r.cfg.WatchList {
		r.HandleListEvent(events.ChangeEvent{Kind: events.KindResync})
	}
}

func (r *Router) subscribe(ctx context.Context) (target, list *events.Subscription, err error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ResubscribeInitial
	b.MaxInterval = r.cfg.ResubscribeMax
	b.MaxElapsedTime = 0

	op := func() error {
		var err error
		if r.cfg.QuoteID != "" {
			target, err = r.transport.Subscribe(ctx, events.Filter{AggregateID: r.cfg.QuoteID})
			if err != nil {
				return err
			}
		}
		if r.cfg.WatchList {
			list, err = r.transport.Subscribe(ctx, events.Filter{})
			if err != nil {
				closeSub(target)
				target = nil
				return err
			}
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("subscribe failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, nil, err
	}
	return target, list, nil
}

func (r *Router) consume(ctx context.Context, target, list *events.Subscription) error {
	var targetEvents, listEvents <-chan events.ChangeEvent
	var targetDone, listDone <-chan struct{}
	if target != nil {
		targetEvents, targetDone = target.Events(), target.Done()
	}
	if list != nil {
		listEvents, listDone = list.Events(), list.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-targetEvents:
			outcome, err := r.HandleEvent(ctx, e)
			if err != nil {
				r.log.Warn("handle change event", zap.Int("version", e.NewVersion), zap.Error(err))
				continue
			}
			r.log.Debug("change event routed",
				zap.Int("version", e.NewVersion),
				zap.String("performed_by", e.PerformedBy),
				zap.Stringer("outcome", outcome),
			)
		case e := <-listEvents:
			r.HandleListEvent(e)
		case <-targetDone:
			return subErr(target)
		case <-listDone:
			return subErr(list)
		}
	}
}

func subErr(s *events.Subscription) error {
	select {
	case err := <-s.Err():
		return err
	default:
		return errSubscriptionClosed
	}
}

func closeSub(s *events.Subscription) {
	if s != nil {
		s.Close()
	}
}
