package offline

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/quote"
	"github.com/safar/quotesync/internal/store/memory"
	"github.com/safar/quotesync/internal/testutil"
)

const kindRecord Kind = "record"

func newQueue(t *testing.T, feed *notice.Feed) *Queue {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return NewQueue(node, feed, testutil.FixedClock(), zap.NewNop())
}

func TestReplayHaltsAtFailedEntry(t *testing.T) {
	feed := notice.NewFeed(8)
	q := newQueue(t, feed)

	var attempted []string
	failB := true
	q.Register(kindRecord, func(_ context.Context, op Operation) error {
		attempted = append(attempted, op.TargetID)
		if op.TargetID == "B" && failB {
			return errors.New("version conflict")
		}
		return nil
	})

	q.SetOnline(false)
	for _, target := range []string{"A", "B", "C"} {
		queued, err := q.Do(context.Background(), target, kindRecord, map[string]string{"target": target}, nil)
		if err != nil || !queued {
			t.Fatalf("Do(%s): queued=%v err=%v", target, queued, err)
		}
	}
	if len(attempted) != 0 {
		t.Fatalf("Nothing should run while offline, ran %v", attempted)
	}

	q.SetOnline(true)
	done, err := q.Replay(context.Background())
	if done != 1 {
		t.Errorf("Expected 1 replayed, got %d", done)
	}
	var stale *StaleQueueEntryError
	if !errors.As(err, &stale) || !errors.Is(err, ErrStaleQueueEntry) {
		t.Fatalf("Expected StaleQueueEntryError, got %v", err)
	}
	if stale.Entry.TargetID != "B" {
		t.Errorf("Expected halt at B, got %s", stale.Entry.TargetID)
	}
	if got := []string{"A", "B"}; len(attempted) != 2 || attempted[0] != got[0] || attempted[1] != got[1] {
		t.Errorf("Expected A then B attempted, got %v", attempted)
	}
	if q.Len() != 2 || q.Pending()[0].TargetID != "B" {
		t.Errorf("B must stay at the head, pending %+v", q.Pending())
	}
	if n := len(feed.OfKind(notice.KindQueueHalted)); n != 1 {
		t.Errorf("Expected one queue-halted notice, got %d", n)
	}

	// Work arriving behind a halted queue waits its turn.
	if queued, err := q.Do(context.Background(), "D", kindRecord, nil, nil); err != nil || !queued {
		t.Fatalf("Do(D): queued=%v err=%v", queued, err)
	}

	failB = false
	done, err = q.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if done != 3 {
		t.Errorf("Expected 3 replayed, got %d", done)
	}
	want := []string{"A", "B", "B", "C", "D"}
	if len(attempted) != len(want) {
		t.Fatalf("Expected %v, got %v", want, attempted)
	}
	for i := range want {
		if attempted[i] != want[i] {
			t.Errorf("attempt %d = %s, want %s", i, attempted[i], want[i])
		}
	}
}

func TestDropOnlyHead(t *testing.T) {
	q := newQueue(t, notice.NewFeed(4))
	q.Register(kindRecord, func(context.Context, Operation) error { return nil })

	a, _ := q.Enqueue("A", kindRecord, nil)
	b, _ := q.Enqueue("B", kindRecord, nil)
	if a.ID >= b.ID {
		t.Errorf("Expected increasing ids, got %d then %d", a.ID, b.ID)
	}
	if err := q.Drop(b.ID); !errors.Is(err, ErrNotHead) {
		t.Errorf("Expected ErrNotHead, got %v", err)
	}
	if err := q.Drop(a.ID); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if q.Len() != 1 || q.Pending()[0].ID != b.ID {
		t.Errorf("Expected only B left, got %+v", q.Pending())
	}
}

func TestUnknownKindRejected(t *testing.T) {
	q := newQueue(t, notice.NewFeed(4))
	if _, err := q.Enqueue("A", "mystery", nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}

func TestReplayedMutationsGoThroughCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	clk := testutil.FixedClock()
	mgr := quote.NewManager(memory.NewQuoteStore(clk), events.NewBus(), notice.Discard, clk, testutil.NewStubIDGenerator("q"), zap.NewNop())
	created, err := mgr.Create(ctx, quote.CreateRequest{Title: "Draft", CreatedBy: "u-alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	q := newQueue(t, notice.NewFeed(4))
	var saved []int
	q.Register(KindPersistMutation, MutationHandler(mgr, func(m *models.Quote) { saved = append(saved, m.Version) }))
	q.SetOnline(false)

	for _, title := range []string{"first", "second"} {
		title := title
		payload := MutationPayload{
			ExpectedVersion: q.ExpectedVersion(created.ID, created.Version),
			UserID:          "u-alice",
			Patch:           models.QuotePatch{Title: &title},
		}
		if _, err := q.Do(ctx, created.ID, KindPersistMutation, payload, nil); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}

	// Someone else writes while we are offline.
	other := "theirs"
	if _, err := mgr.PersistMutation(ctx, created.ID, 1, models.QuotePatch{Title: &other}, "u-bob"); err != nil {
		t.Fatalf("PersistMutation: %v", err)
	}

	q.SetOnline(true)
	_, err = q.Replay(ctx)
	if !errors.Is(err, ErrStaleQueueEntry) || !errors.Is(err, quote.ErrVersionConflict) {
		t.Fatalf("Expected a stale entry wrapping a version conflict, got %v", err)
	}
	if len(saved) != 0 || q.Len() != 2 {
		t.Errorf("Nothing should be saved, saved %v pending %d", saved, q.Len())
	}
}

func TestChainedMutationsReplayInOrder(t *testing.T) {
	ctx := context.Background()
	clk := testutil.FixedClock()
	mgr := quote.NewManager(memory.NewQuoteStore(clk), events.NewBus(), notice.Discard, clk, testutil.NewStubIDGenerator("q"), zap.NewNop())
	created, err := mgr.Create(ctx, quote.CreateRequest{Title: "Draft", CreatedBy: "u-alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	q := newQueue(t, notice.NewFeed(4))
	q.Register(KindPersistMutation, MutationHandler(mgr, nil))
	q.SetOnline(false)
	for _, title := range []string{"first", "second", "third"} {
		title := title
		_, err := q.Enqueue(created.ID, KindPersistMutation, MutationPayload{
			ExpectedVersion: q.ExpectedVersion(created.ID, created.Version),
			UserID:          "u-alice",
			Patch:           models.QuotePatch{Title: &title},
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	q.SetOnline(true)
	if n, err := q.Replay(ctx); err != nil || n != 3 {
		t.Fatalf("Replay: n=%d err=%v", n, err)
	}
	got, _ := mgr.Get(ctx, created.ID)
	if got.Version != 4 || got.Title != "third" {
		t.Errorf("Expected version 4 titled third, got %d %q", got.Version, got.Title)
	}
}

func TestDoRunsCallerDirectlyWhenIdle(t *testing.T) {
	q := newQueue(t, notice.NewFeed(8))
	handled := 0
	q.Register(kindRecord, func(context.Context, Operation) error {
		handled++
		return nil
	})

	ran := 0
	run := func(context.Context) error {
		ran++
		return nil
	}
	queued, err := q.Do(context.Background(), "A", kindRecord, nil, run)
	if err != nil || queued {
		t.Fatalf("Expected a direct run, got queued=%v err=%v", queued, err)
	}
	if ran != 1 || handled != 0 {
		t.Errorf("Expected the caller's run only, got run=%d handler=%d", ran, handled)
	}

	q.SetOnline(false)
	if queued, err := q.Do(context.Background(), "B", kindRecord, nil, run); err != nil || !queued {
		t.Fatalf("Expected B queued offline, got queued=%v err=%v", queued, err)
	}
	q.SetOnline(true)
	if queued, _ := q.Do(context.Background(), "C", kindRecord, nil, run); !queued {
		t.Error("Work behind a non-empty queue must be queued")
	}
	if ran != 1 {
		t.Errorf("Queued work must not run the caller's func, ran %d times", ran)
	}
	if n, err := q.Replay(context.Background()); err != nil || n != 2 || handled != 2 {
		t.Errorf("Expected B and C replayed through the handler, got n=%d handled=%d err=%v", n, handled, err)
	}
}
