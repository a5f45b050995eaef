package lockout

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/testutil"
)

func TestLockAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clk := testutil.FixedClock()
	svc := NewService(NewMemoryStore(), Config{MaxAttempts: 3, Duration: 10 * time.Minute}, clk, zap.NewNop())

	for i := 1; i <= 3; i++ {
		if err := svc.Check(ctx, "alice@example.com"); err != nil {
			t.Fatalf("attempt %d: unexpected lockout %v", i, err)
		}
		st, err := svc.RecordFailure(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if st.FailedCount != i {
			t.Errorf("Expected count %d, got %d", i, st.FailedCount)
		}
	}

	err := svc.Check(ctx, "  ALICE@example.com ")
	var locked *LockedOutError
	if !errors.As(err, &locked) || !errors.Is(err, ErrLockedOut) {
		t.Fatalf("Expected LockedOutError for the normalized identifier, got %v", err)
	}
	if want := clk.Now().Add(10 * time.Minute); !locked.Until.Equal(want) {
		t.Errorf("Expected lock until %s, got %s", want, locked.Until)
	}
	if err := svc.Check(ctx, "bob@example.com"); err != nil {
		t.Errorf("Other identifiers are unaffected, got %v", err)
	}

	clk.Advance(10 * time.Minute)
	if err := svc.Check(ctx, "alice@example.com"); err != nil {
		t.Errorf("Lock should have expired, got %v", err)
	}
	st, _ := svc.RecordFailure(ctx, "alice@example.com")
	if st.FailedCount != 1 {
		t.Errorf("Count should restart after expiry, got %d", st.FailedCount)
	}
}

func TestRecordSuccessClears(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, Config{MaxAttempts: 2, Duration: time.Minute}, testutil.FixedClock(), zap.NewNop())

	if _, err := svc.RecordFailure(ctx, "Carol"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := svc.RecordSuccess(ctx, "carol"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "carol"); ok {
		t.Error("Success should clear the state")
	}
}
