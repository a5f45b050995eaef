package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/store/memory"
	"github.com/safar/quotesync/internal/testutil"
)

type fixture struct {
	store  *memory.QuoteStore
	feed   *notice.Feed
	clock  *testutil.StubClock
	router *Router
	quote  *models.Quote
}

func newFixture(t *testing.T, transport events.Transport) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := testutil.FixedClock()
	s := memory.NewQuoteStore(clk)
	q, err := s.Create(ctx, &models.Quote{ID: "q-1", CreatedBy: "u-alice", Title: "Initial"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if transport == nil {
		transport = events.NewBus()
	}
	feed := notice.NewFeed(32)
	r := New(Config{
		SelfUserID:         "u-alice",
		QuoteID:            q.ID,
		WatchList:          true,
		ResubscribeInitial: 5 * time.Millisecond,
		ResubscribeMax:     20 * time.Millisecond,
	}, transport, s, feed, clk, zap.NewNop())
	if _, err := r.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &fixture{store: s, feed: feed, clock: clk, router: r, quote: q}
}

// remoteWrite persists a change as another user and returns the event it
// would produce.
func (f *fixture) remoteWrite(t *testing.T, by string) events.ChangeEvent {
	t.Helper()
	current, err := f.store.Get(context.Background(), f.quote.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	title := "edited by " + by
	f.clock.Advance(time.Second)
	q, err := f.store.CompareAndSwap(context.Background(), f.quote.ID, current.Version, by, models.QuoteUpdate{
		Patch: &models.QuotePatch{Title: &title},
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	return events.ChangeEvent{
		AggregateID: q.ID,
		NewVersion:  q.Version,
		PerformedBy: by,
		Kind:        events.KindQuoteUpdated,
		OccurredAt:  q.UpdatedAt,
	}
}

func TestSelfOriginatedEventIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	e := f.remoteWrite(t, "u-alice")

	outcome, err := f.router.HandleEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if outcome != OutcomeSelf {
		t.Errorf("Expected self, got %s", outcome)
	}
	f.router.MarkEdited()
	outcome, _ = f.router.HandleEvent(context.Background(), e)
	if outcome != OutcomeSelf {
		t.Errorf("Expected self with local edits too, got %s", outcome)
	}
	if n := len(f.feed.All()); n != 0 {
		t.Errorf("Self events must not produce notices, got %d", n)
	}
}

func TestCleanLocalAutoApplies(t *testing.T) {
	f := newFixture(t, nil)
	e := f.remoteWrite(t, "u-bob")

	outcome, err := f.router.HandleEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("Expected applied, got %s", outcome)
	}
	local, state := f.router.Snapshot()
	if local.Version != 2 || local.Title != "edited by u-bob" || state != Clean {
		t.Errorf("Unexpected local copy %+v state %s", local, state)
	}
	applied := f.feed.OfKind(notice.KindRemoteApplied)
	if len(applied) != 1 || applied[0].Actor != "u-bob" {
		t.Errorf("Expected a remote-applied notice from u-bob, got %+v", applied)
	}

	outcome, _ = f.router.HandleEvent(context.Background(), e)
	if outcome != OutcomeStale {
		t.Errorf("Duplicate delivery should be stale, got %s", outcome)
	}
}

func TestDirtyLocalRaisesConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.clock.Advance(time.Second)
	f.router.MarkEdited()
	e := f.remoteWrite(t, "u-bob")

	outcome, err := f.router.HandleEvent(ctx, e)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if outcome != OutcomeConflict {
		t.Fatalf("Expected conflict, got %s", outcome)
	}
	local, state := f.router.Snapshot()
	if local.Version != 1 || local.Title != "Initial" {
		t.Errorf("Local copy must not be overwritten, got %+v", local)
	}
	if state != DirtySuperseded {
		t.Errorf("Expected dirty-superseded, got %s", state)
	}
	conflicts := f.feed.OfKind(notice.KindConflict)
	if len(conflicts) != 1 || conflicts[0].Detail["remote_version"] != "2" {
		t.Fatalf("Expected one conflict notice for version 2, got %+v", conflicts)
	}

	outcome, _ = f.router.HandleEvent(ctx, e)
	if outcome != OutcomeStale {
		t.Errorf("Redelivery should not prompt again, got %s", outcome)
	}

	resolved, err := f.router.ResolveConflict(ctx, DiscardLocal)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if resolved.Version != 2 || f.router.LocalVersion() != 2 {
		t.Errorf("Expected remote version 2 loaded, got %d", resolved.Version)
	}
	if _, state := f.router.Snapshot(); state != Clean {
		t.Errorf("Expected clean after discard, got %s", state)
	}
	if _, err := f.router.ResolveConflict(ctx, KeepEditing); !errors.Is(err, ErrNoConflict) {
		t.Errorf("Expected ErrNoConflict, got %v", err)
	}
}

func TestKeepEditingLeavesLocalCopy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.clock.Advance(time.Second)
	f.router.MarkEdited()
	if outcome, _ := f.router.HandleEvent(ctx, f.remoteWrite(t, "u-bob")); outcome != OutcomeConflict {
		t.Fatalf("Expected conflict, got %s", outcome)
	}

	local, err := f.router.ResolveConflict(ctx, KeepEditing)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if local.Version != 1 {
		t.Errorf("Keep editing must not load remote state, got version %d", local.Version)
	}

	outcome, _ := f.router.HandleEvent(ctx, f.remoteWrite(t, "u-carol"))
	if outcome != OutcomeConflict {
		t.Errorf("A newer remote write should prompt again, got %s", outcome)
	}
}

func TestMarkSavedMakesEchoStale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.clock.Advance(time.Second)
	f.router.MarkEdited()
	marker := f.router.EditMarker()
	notes := "mine"
	saved, err := f.store.CompareAndSwap(ctx, f.quote.ID, 1, "u-alice", models.QuoteUpdate{Patch: &models.QuotePatch{Notes: &notes}})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	f.router.MarkSaved(saved, marker)

	if _, state := f.router.Snapshot(); state != Clean {
		t.Errorf("Expected clean after save, got %s", state)
	}
	outcome, _ := f.router.HandleEvent(ctx, events.ChangeEvent{
		AggregateID: f.quote.ID, NewVersion: 2, PerformedBy: "u-other", Kind: events.KindQuoteUpdated,
	})
	if outcome != OutcomeStale {
		t.Errorf("Event at the saved version should be stale, got %s", outcome)
	}
}

func TestEditDuringSaveStaysUnsaved(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.clock.Advance(time.Second)
	f.router.MarkEdited()
	marker := f.router.EditMarker()
	notes := "first"
	saved, err := f.store.CompareAndSwap(ctx, f.quote.ID, 1, "u-alice", models.QuoteUpdate{Patch: &models.QuotePatch{Notes: &notes}})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	// The user keeps typing while the write is in flight, on the same clock tick.
	f.router.MarkEdited()
	f.router.MarkSaved(saved, marker)

	if _, state := f.router.Snapshot(); state != Dirty {
		t.Fatalf("Expected dirty after an in-flight edit, got %s", state)
	}
	outcome, err := f.router.HandleEvent(ctx, f.remoteWrite(t, "u-bob"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if outcome != OutcomeConflict {
		t.Errorf("Remote write must not overwrite the unsaved edit, got %s", outcome)
	}
	if local, _ := f.router.Snapshot(); local.Version != 2 {
		t.Errorf("Expected local copy to stay at the saved version 2, got %d", local.Version)
	}
}

func TestListEvents(t *testing.T) {
	f := newFixture(t, nil)

	if f.router.HandleListEvent(events.ChangeEvent{AggregateID: "q-9", NewVersion: 3, PerformedBy: "u-alice", Kind: events.KindQuoteUpdated}) {
		t.Error("Own list event should not mark the list stale")
	}
	if f.router.HandleListEvent(events.ChangeEvent{AggregateID: "q-9", PerformedBy: "u-bob", Kind: events.KindPresenceChanged}) {
		t.Error("Presence events do not change the list")
	}
	if !f.router.HandleListEvent(events.ChangeEvent{AggregateID: "q-9", NewVersion: 1, PerformedBy: "u-bob", Kind: events.KindQuoteCreated}) {
		t.Error("Remote create should mark the list stale")
	}
	if n := len(f.feed.OfKind(notice.KindListStale)); n != 1 {
		t.Errorf("Expected 1 list-stale notice, got %d", n)
	}
	if n := len(f.feed.OfKind(notice.KindRemoteApplied)); n != 0 {
		t.Errorf("List events must not apply anything, got %d", n)
	}
}

func TestRunResubscribesAndResyncs(t *testing.T) {
	bus := events.NewBus()
	f := newFixture(t, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()

	waitFor(t, func() bool { return bus.SubscriptionCount() == 2 })

	e := f.remoteWrite(t, "u-bob")
	if err := bus.Publish(ctx, e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return f.router.LocalVersion() == 2 })

	// Never published, as if the notification were lost with the connection.
	f.remoteWrite(t, "u-bob")
	bus.Disconnect(errors.New("connection reset"))
	waitFor(t, func() bool { return bus.SubscriptionCount() == 2 && f.router.LocalVersion() == 3 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("Subscriptions leaked: %d", bus.SubscriptionCount())
	}
}

func TestRunResyncsOnFirstSubscribe(t *testing.T) {
	bus := events.NewBus()
	f := newFixture(t, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Written after Load and before any subscription exists.
	f.remoteWrite(t, "u-bob")

	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()

	waitFor(t, func() bool { return f.router.LocalVersion() == 2 })
	if n := len(f.feed.OfKind(notice.KindListStale)); n != 0 {
		t.Errorf("First subscribe must not flag the list stale, got %d notices", n)
	}

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClassifyLocalEdits(t *testing.T) {
	saved := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		updatedAt time.Time
		local     int
		remote    int
		want      LocalEditState
	}{
		{"no edits", saved, 3, 4, Clean},
		{"edits, nothing newer", saved.Add(time.Second), 3, 3, Dirty},
		{"edits, older remote", saved.Add(time.Second), 3, 2, Dirty},
		{"edits, newer remote", saved.Add(time.Second), 3, 4, DirtySuperseded},
		{"marker behind save", saved.Add(-time.Second), 3, 4, Clean},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyLocalEdits(tt.updatedAt, saved, tt.local, tt.remote); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
