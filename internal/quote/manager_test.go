package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/store"
	"github.com/safar/quotesync/internal/store/memory"
	"github.com/safar/quotesync/internal/testutil"
)

type fixture struct {
	mgr   *Manager
	bus   *events.Bus
	feed  *notice.Feed
	clock *testutil.StubClock
}

func newFixture() *fixture {
	clk := testutil.FixedClock()
	bus := events.NewBus()
	feed := notice.NewFeed(32)
	mgr := NewManager(memory.NewQuoteStore(clk), bus, feed, clk, testutil.NewStubIDGenerator("q"), zap.NewNop())
	return &fixture{mgr: mgr, bus: bus, feed: feed, clock: clk}
}

func (f *fixture) create(t *testing.T) *models.Quote {
	t.Helper()
	q, err := f.mgr.Create(context.Background(), CreateRequest{
		Title:        "Fleet renewal",
		CustomerName: "Acme",
		Value:        decimal.NewFromInt(8000),
		CreatedBy:    "u-alice",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return q
}

func notes(s string) models.QuotePatch {
	return models.QuotePatch{Notes: &s}
}

func TestVersionMonotonicity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	version := q.Version
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		updated, err := f.mgr.PersistMutation(ctx, q.ID, version, notes("edit"), "u-alice")
		if err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		if updated.Version != version+1 {
			t.Errorf("Write %d: expected version %d, got %d", i, version+1, updated.Version)
		}
		if !updated.UpdatedAt.Equal(f.clock.Now()) || updated.UpdatedBy != "u-alice" {
			t.Errorf("Write %d: updated_at/updated_by not stamped", i)
		}
		version = updated.Version
	}
}

func TestConcurrentWritersOneWins(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	for q.Version < 5 {
		var err error
		q, err = f.mgr.PersistMutation(ctx, q.ID, q.Version, notes("warmup"), "u-alice")
		if err != nil {
			t.Fatalf("Warmup: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, user := range []string{"u-alice", "u-bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.mgr.PersistMutation(ctx, q.ID, 5, notes(user), user)
			results <- err
		}(user)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) || conflict.CurrentVersion != 6 {
			t.Errorf("Expected ConflictError(6), got %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins)
	}
}

func TestLockExclusivity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	res, err := f.mgr.AcquireLock(ctx, q.ID, "u-alice")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if res.LockedBy != "u-alice" || !res.LockedAt.Equal(f.clock.Now()) {
		t.Errorf("Unexpected lock result %+v", res)
	}

	if _, err := f.mgr.AcquireLock(ctx, q.ID, "u-alice"); err != nil {
		t.Errorf("Re-acquire by holder should succeed: %v", err)
	}

	_, err = f.mgr.AcquireLock(ctx, q.ID, "u-bob")
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("Expected LockHeldError, got %v", err)
	}
	if held.By != "u-alice" {
		t.Errorf("Expected holder u-alice, got %s", held.By)
	}
	if !errors.Is(err, ErrLockHeld) {
		t.Error("LockHeldError should unwrap to ErrLockHeld")
	}

	denied := f.feed.OfKind(notice.KindLockDenied)
	if len(denied) != 1 || denied[0].Detail["held_by"] != "u-alice" {
		t.Errorf("Expected one lock-denied notice naming u-alice, got %+v", denied)
	}

	_, err = f.mgr.PersistMutation(ctx, q.ID, q.Version, notes("bob"), "u-bob")
	if !errors.As(err, &held) {
		t.Errorf("Write under another user's lock should be refused, got %v", err)
	}
}

func TestReleaseLockByNonHolderIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	if _, err := f.mgr.AcquireLock(ctx, q.ID, "u-alice"); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := f.mgr.ReleaseLock(ctx, q.ID, "u-bob"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	got, _ := f.mgr.Get(ctx, q.ID)
	if got.LockedBy == nil || *got.LockedBy != "u-alice" {
		t.Error("Non-holder release must not clear the lock")
	}
}

func TestEndToEndLockAndConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	for q.Version < 3 {
		var err error
		q, err = f.mgr.PersistMutation(ctx, q.ID, q.Version, notes("setup"), "u-alice")
		if err != nil {
			t.Fatalf("Setup: %v", err)
		}
	}
	staleRead := q.Version

	if _, err := f.mgr.AcquireLock(ctx, q.ID, "user1"); err != nil {
		t.Fatalf("user1 AcquireLock: %v", err)
	}
	saved, err := f.mgr.PersistMutation(ctx, q.ID, 3, notes("user1 edit"), "user1")
	if err != nil {
		t.Fatalf("user1 persist: %v", err)
	}
	if saved.Version != 4 || saved.LockedBy == nil || *saved.LockedBy != "user1" {
		t.Fatalf("Expected version 4 still locked by user1, got %+v", saved)
	}

	_, err = f.mgr.AcquireLock(ctx, q.ID, "user2")
	var held *LockHeldError
	if !errors.As(err, &held) || held.By != "user1" {
		t.Fatalf("Expected LockHeld(user1), got %v", err)
	}

	if err := f.mgr.ReleaseLock(ctx, q.ID, "user1"); err != nil {
		t.Fatalf("user1 release: %v", err)
	}
	if _, err := f.mgr.AcquireLock(ctx, q.ID, "user2"); err != nil {
		t.Fatalf("user2 AcquireLock: %v", err)
	}

	_, err = f.mgr.PersistMutation(ctx, q.ID, staleRead, notes("user2 edit"), "user2")
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.CurrentVersion != 4 {
		t.Fatalf("Expected ConflictError(4), got %v", err)
	}
}

func TestPersistMutationPublishesEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	sub, err := f.bus.Subscribe(ctx, events.Filter{AggregateID: q.ID})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := f.mgr.PersistMutation(ctx, q.ID, q.Version, notes("x"), "u-alice"); err != nil {
		t.Fatalf("PersistMutation: %v", err)
	}

	select {
	case e := <-sub.Events():
		if e.NewVersion != 2 || e.PerformedBy != "u-alice" || e.Kind != events.KindQuoteUpdated {
			t.Errorf("Unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("No change event published")
	}

	if _, err := f.mgr.PersistMutation(ctx, q.ID, 2, models.QuotePatch{}, "u-alice"); !errors.Is(err, ErrEmptyPatch) {
		t.Errorf("Expected ErrEmptyPatch, got %v", err)
	}
}

func TestReclaimStaleLocks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	if _, err := f.mgr.AcquireLock(ctx, q.ID, "u-alice"); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	f.clock.Advance(45 * time.Minute)

	ids, err := f.mgr.ReclaimStaleLocks(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStaleLocks: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("Expected 1 reclaimed lock, got %v", ids)
	}
	if _, err := f.mgr.AcquireLock(ctx, q.ID, "u-bob"); err != nil {
		t.Errorf("AcquireLock after sweep: %v", err)
	}
}

func TestValueFrozenAfterSubmit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := f.create(t)

	value := decimal.NewFromInt(9000)
	q, err := f.mgr.PersistMutation(ctx, q.ID, q.Version, models.QuotePatch{Value: &value}, "u-alice")
	if err != nil {
		t.Fatalf("Draft value change: %v", err)
	}
	q, err = f.mgr.ApplyTransition(ctx, q.ID, q.Version, models.SystemActor, models.Transition{
		Status:            models.StatusPendingApproval,
		CurrentAssigneeID: models.StringPtr("u-sam"),
		ApprovalTier:      models.IntPtr(1),
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	raised := decimal.NewFromInt(90000)
	if _, err := f.mgr.PersistMutation(ctx, q.ID, q.Version, models.QuotePatch{Value: &raised}, "u-alice"); !errors.Is(err, ErrValueFrozen) {
		t.Fatalf("Expected ErrValueFrozen, got %v", err)
	}
	if got, _ := f.mgr.Get(ctx, q.ID); got.Version != q.Version || !got.Value.Equal(value) {
		t.Errorf("Refused change must write nothing, got v%d value %s", got.Version, got.Value)
	}

	var conflict *ConflictError
	if _, err := f.mgr.PersistMutation(ctx, q.ID, q.Version-1, models.QuotePatch{Value: &raised}, "u-alice"); !errors.As(err, &conflict) {
		t.Errorf("A stale base reports a conflict first, got %v", err)
	}
	if _, err := f.mgr.PersistMutation(ctx, q.ID, q.Version, notes("still editable"), "u-alice"); err != nil {
		t.Errorf("Other fields stay editable: %v", err)
	}
}

// releasingRepo refuses the first acquire as if the holder released the lock
// just before the row was re-read.
type releasingRepo struct {
	*memory.QuoteStore
	refusals int
}

func (r *releasingRepo) AcquireLock(ctx context.Context, id, userID string) (*models.Quote, error) {
	if r.refusals > 0 {
		r.refusals--
		current, err := r.QuoteStore.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &store.StaleWriteError{Current: current}
	}
	return r.QuoteStore.AcquireLock(ctx, id, userID)
}

func TestAcquireLockAfterConcurrentRelease(t *testing.T) {
	clk := testutil.FixedClock()
	repo := &releasingRepo{QuoteStore: memory.NewQuoteStore(clk), refusals: 1}
	mgr := NewManager(repo, events.NewBus(), notice.Discard, clk, testutil.NewStubIDGenerator("q"), zap.NewNop())
	ctx := context.Background()
	q, err := mgr.Create(ctx, CreateRequest{Title: "t", Value: decimal.NewFromInt(1), CreatedBy: "u-alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	lock, err := mgr.AcquireLock(ctx, q.ID, "u-bob")
	if err != nil {
		t.Fatalf("Expected the retry to take the freed lock, got %v", err)
	}
	if lock.LockedBy != "u-bob" {
		t.Errorf("Expected u-bob to hold the lock, got %s", lock.LockedBy)
	}

	if _, err := mgr.AcquireLock(ctx, q.ID, "u-carol"); !errors.Is(err, ErrLockHeld) {
		t.Errorf("A lock that is really held must report LockHeld, got %v", err)
	}

	other, err := mgr.Create(ctx, CreateRequest{Title: "u", Value: decimal.NewFromInt(1), CreatedBy: "u-alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.refusals = 2
	var conflict *ConflictError
	if _, err := mgr.AcquireLock(ctx, other.ID, "u-carol"); !errors.As(err, &conflict) || conflict.CurrentVersion != other.Version {
		t.Errorf("Expected ConflictError at v%d when the retry is refused too, got %v", other.Version, err)
	}
}
