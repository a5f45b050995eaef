package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/quotesync/internal/models"
)

// AuditLog is the append-only approval trail. The table refuses UPDATE and
// DELETE at the database level.
type AuditLog struct {
	db *sql.DB
}

func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (l *AuditLog) Append(ctx context.Context, a models.ApprovalAction) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO approval_actions (id, quote_id, action, performed_by, tier, notes,
			status_before, status_after, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.QuoteID, a.Action, a.PerformedBy, a.Tier, a.Notes,
		a.StatusBefore, a.StatusAfter, a.Version, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append approval action: %w", err)
	}
	return nil
}

// List returns up to limit rows after cursor, oldest first.
func (l *AuditLog) List(ctx context.Context, quoteID string, cursor AuditCursor, limit int) (*CursorPage[models.ApprovalAction], error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	afterID := cursor.ID
	if afterID == "" {
		afterID = uuid.Nil.String()
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, quote_id, action, performed_by, tier, notes, status_before, status_after, version, created_at
		FROM approval_actions
		WHERE quote_id = $1
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`,
		quoteID, cursor.CreatedAt, afterID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list approval actions: %w", err)
	}
	defer rows.Close()

	var actions []models.ApprovalAction
	for rows.Next() {
		var a models.ApprovalAction
		err := rows.Scan(
			&a.ID,
			&a.QuoteID,
			&a.Action,
			&a.PerformedBy,
			&a.Tier,
			&a.Notes,
			&a.StatusBefore,
			&a.StatusAfter,
			&a.Version,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan approval action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return PageActions(actions, limit), nil
}

// PageActions trims a limit+1 fetch into a page and derives the next cursor.
func PageActions(actions []models.ApprovalAction, limit int) *CursorPage[models.ApprovalAction] {
	page := &CursorPage[models.ApprovalAction]{Items: actions}
	if len(actions) > limit {
		page.Items = actions[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.NextCursor = EncodeCursor(AuditCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []models.ApprovalAction{}
	}
	return page
}
