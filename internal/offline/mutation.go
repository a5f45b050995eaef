package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/safar/quotesync/internal/models"
)

const KindPersistMutation Kind = "persist-mutation"

// MutationPayload is a queued field edit. ExpectedVersion is the version the
// user was looking at when they made the edit.
type MutationPayload struct {
	ExpectedVersion int               `json:"expected_version"`
	UserID          string            `json:"user_id"`
	Patch           models.QuotePatch `json:"patch"`
}

type Persister interface {
	PersistMutation(ctx context.Context, quoteID string, expectedVersion int, patch models.QuotePatch, userID string) (*models.Quote, error)
}

// MutationHandler replays queued edits through the compare-and-set path.
// onSaved, if set, sees every persisted quote.
func MutationHandler(p Persister, onSaved func(*models.Quote)) Handler {
	return func(ctx context.Context, op Operation) error {
		var payload MutationPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return fmt.Errorf("decode mutation payload: %w", err)
		}
		q, err := p.PersistMutation(ctx, op.TargetID, payload.ExpectedVersion, payload.Patch, payload.UserID)
		if err != nil {
			return err
		}
		if onSaved != nil {
			onSaved(q)
		}
		return nil
	}
}

// ExpectedVersion returns the version a new edit to targetID should expect at
// replay time. Every queued edit ahead of it bumps the version once when it
// replays, so the base version the user saw is advanced by that count.
func (q *Queue) ExpectedVersion(targetID string, base int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, op := range q.entries {
		if op.TargetID == targetID && op.Kind == KindPersistMutation {
			n++
		}
	}
	return base + n
}
