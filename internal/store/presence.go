package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safar/quotesync/internal/models"
)

// PresenceStore keeps viewer heartbeats in an unlogged table. Losing it on a
// crash is harmless.
type PresenceStore struct {
	db *sql.DB
}

func NewPresenceStore(db *sql.DB) *PresenceStore {
	return &PresenceStore{db: db}
}

func (s *PresenceStore) Upsert(ctx context.Context, v models.Viewer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quote_viewers (quote_id, user_id, user_name, last_seen_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (quote_id, user_id)
		DO UPDATE SET user_name = EXCLUDED.user_name, last_seen_at = EXCLUDED.last_seen_at`,
		v.QuoteID, v.UserID, v.UserName)
	if err != nil {
		return fmt.Errorf("upsert viewer: %w", err)
	}
	return nil
}

func (s *PresenceStore) Delete(ctx context.Context, quoteID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM quote_viewers WHERE quote_id = $1 AND user_id = $2`, quoteID, userID)
	if err != nil {
		return fmt.Errorf("delete viewer: %w", err)
	}
	return nil
}

// List returns viewers of quoteID seen at or after since.
func (s *PresenceStore) List(ctx context.Context, quoteID string, since time.Time) ([]models.Viewer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT quote_id, user_id, user_name, last_seen_at
		FROM quote_viewers
		WHERE quote_id = $1 AND last_seen_at >= $2
		ORDER BY user_id`, quoteID, since)
	if err != nil {
		return nil, fmt.Errorf("list viewers: %w", err)
	}
	defer rows.Close()

	var viewers []models.Viewer
	for rows.Next() {
		var v models.Viewer
		if err := rows.Scan(&v.QuoteID, &v.UserID, &v.UserName, &v.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan viewer: %w", err)
		}
		viewers = append(viewers, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return viewers, nil
}

// Sweep deletes records last seen before cutoff.
func (s *PresenceStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM quote_viewers WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep viewers: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}
