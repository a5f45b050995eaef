// Package presence tracks who is currently viewing a quote. Records are
// ephemeral: a missed delete is cleaned up by the TTL.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/models"
)

type Store interface {
	Upsert(ctx context.Context, v models.Viewer) error
	Delete(ctx context.Context, quoteID, userID string) error
	List(ctx context.Context, quoteID string, since time.Time) ([]models.Viewer, error)
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

type User struct {
	ID   string
	Name string
}

type Config struct {
	HeartbeatInterval time.Duration
	TTL               time.Duration
	TeardownTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		TTL:               90 * time.Second,
		TeardownTimeout:   5 * time.Second,
	}
}

type Tracker struct {
	store     Store
	transport events.Transport
	clock     clock.Clock
	cfg       Config
	log       *zap.Logger
}

func NewTracker(store Store, transport events.Transport, clk clock.Clock, cfg Config, log *zap.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	return &Tracker{
		store:     store,
		transport: transport,
		clock:     clk,
		cfg:       cfg,
		log:       log,
	}
}

// Heartbeat upserts the caller's record and announces the change.
func (t *Tracker) Heartbeat(ctx context.Context, quoteID string, user User) error {
	if err := t.store.Upsert(ctx, models.Viewer{QuoteID: quoteID, UserID: user.ID, UserName: user.Name}); err != nil {
		return err
	}
	t.announce(ctx, quoteID, user.ID)
	return nil
}

// Leave deletes the caller's record and announces the change.
func (t *Tracker) Leave(ctx context.Context, quoteID, userID string) error {
	if err := t.store.Delete(ctx, quoteID, userID); err != nil {
		return err
	}
	t.announce(ctx, quoteID, userID)
	return nil
}

// ListViewers returns live viewers of quoteID other than selfID.
func (t *Tracker) ListViewers(ctx context.Context, quoteID, selfID string) ([]models.Viewer, error) {
	all, err := t.store.List(ctx, quoteID, t.clock.Now().Add(-t.cfg.TTL))
	if err != nil {
		return nil, err
	}
	return excluding(all, selfID), nil
}

// Sweep drops records whose heartbeat is older than the TTL.
func (t *Tracker) Sweep(ctx context.Context) (int64, error) {
	return t.store.Sweep(ctx, t.clock.Now().Add(-t.cfg.TTL))
}

func (t *Tracker) announce(ctx context.Context, quoteID, userID string) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.TeardownTimeout)
	defer cancel()

	err := t.transport.Publish(ctx, events.ChangeEvent{
		AggregateID: quoteID,
		PerformedBy: userID,
		Kind:        events.KindPresenceChanged,
		OccurredAt:  t.clock.Now(),
	})
	if err != nil {
		t.log.Debug("announce presence", zap.String("quote_id", quoteID), zap.Error(err))
	}
}

// StartTracking begins heartbeating for user on quoteID and keeps a viewer
// snapshot in sync with presence announcements. The returned handle must be
// stopped on every exit path.
func (t *Tracker) StartTracking(ctx context.Context, quoteID string, user User) (*Handle, error) {
	loopCtx, cancel := context.WithCancel(ctx)

	sub, err := t.transport.Subscribe(loopCtx, events.Filter{AggregateID: quoteID})
	if err != nil {
		t.log.Warn("presence subscription unavailable",
			zap.String("quote_id", quoteID),
			zap.Error(err),
		)
		sub = nil
	}

	h := &Handle{
		tracker:    t,
		quoteID:    quoteID,
		user:       user,
		cancel:     cancel,
		sub:        sub,
		visibility: make(chan bool),
		done:       make(chan struct{}),
	}
	go h.run(loopCtx)
	return h, nil
}

// Handle is one running tracking loop.
type Handle struct {
	tracker    *Tracker
	quoteID    string
	user       User
	cancel     context.CancelFunc
	sub        *events.Subscription
	visibility chan bool
	done       chan struct{}
	stopOnce   sync.Once

	mu       sync.RWMutex
	snapshot []models.Viewer
}

func (h *Handle) QuoteID() string { return h.quoteID }

// SetVisible pauses heartbeats while the viewing surface is hidden. Becoming
// visible again sends a heartbeat at once.
func (h *Handle) SetVisible(visible bool) {
	select {
	case h.visibility <- visible:
	case <-h.done:
	}
}

// Viewers returns the latest snapshot, excluding the tracked user.
func (h *Handle) Viewers() []models.Viewer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.Viewer(nil), h.snapshot...)
}

// Stop cancels the loop, waits for it to exit and then deletes the record.
// The delete is best-effort: a failure is logged and left to the TTL.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
		if h.sub != nil {
			h.sub.Close()
		}

		t := h.tracker
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.TeardownTimeout)
		defer cancel()
		if err := t.Leave(ctx, h.quoteID, h.user.ID); err != nil {
			t.log.Warn("presence teardown failed",
				zap.String("quote_id", h.quoteID),
				zap.String("user_id", h.user.ID),
				zap.Error(err),
			)
		}
	})
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	interval := h.tracker.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var incoming <-chan events.ChangeEvent
	var subDone <-chan struct{}
	if h.sub != nil {
		incoming = h.sub.Events()
		subDone = h.sub.Done()
	}

	h.beat(ctx)
	visible := true

	for {
		var tick <-chan time.Time
		if visible {
			tick = ticker.C
		}

		select {
		case <-ctx.Done():
			return
		case <-tick:
			h.beat(ctx)
		case v := <-h.visibility:
			if v && !visible {
				h.beat(ctx)
				ticker.Reset(interval)
			}
			visible = v
		case e := <-incoming:
			if e.Kind == events.KindResync || (e.Kind == events.KindPresenceChanged && e.PerformedBy != h.user.ID) {
				h.refresh(ctx)
			}
		case <-subDone:
			h.tracker.log.Warn("presence subscription ended, falling back to heartbeat refresh",
				zap.String("quote_id", h.quoteID))
			incoming = nil
			subDone = nil
		}
	}
}

func (h *Handle) beat(ctx context.Context) {
	if err := h.tracker.Heartbeat(ctx, h.quoteID, h.user); err != nil {
		if ctx.Err() == nil {
			h.tracker.log.Warn("presence heartbeat failed",
				zap.String("quote_id", h.quoteID),
				zap.String("user_id", h.user.ID),
				zap.Error(err),
			)
		}
		return
	}
	h.refresh(ctx)
}

func (h *Handle) refresh(ctx context.Context) {
	viewers, err := h.tracker.ListViewers(ctx, h.quoteID, h.user.ID)
	if err != nil {
		if ctx.Err() == nil {
			h.tracker.log.Debug("refresh viewers", zap.String("quote_id", h.quoteID), zap.Error(err))
		}
		return
	}
	h.mu.Lock()
	h.snapshot = viewers
	h.mu.Unlock()
}

func excluding(viewers []models.Viewer, selfID string) []models.Viewer {
	out := make([]models.Viewer, 0, len(viewers))
	for _, v := range viewers {
		if v.UserID != selfID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
