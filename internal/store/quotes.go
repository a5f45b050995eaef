package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/quotesync/internal/database"
	"github.com/safar/quotesync/internal/models"
)

const quoteColumns = `id, reference, title, customer_name, value, notes, status, created_by,
	assigned_to, current_assignee_id, locked_by, locked_at,
	approval_tier, approval_status, approval_notes,
	submitted_by, submitted_at, approved_by, approved_at, rejected_by, rejected_at,
	valid_until, created_at, updated_at, updated_by, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*models.Quote, error) {
	q := &models.Quote{}
	err := row.Scan(
		&q.ID,
		&q.Reference,
		&q.Title,
		&q.CustomerName,
		&q.Value,
		&q.Notes,
		&q.Status,
		&q.CreatedBy,
		&q.AssignedTo,
		&q.CurrentAssigneeID,
		&q.LockedBy,
		&q.LockedAt,
		&q.ApprovalTier,
		&q.ApprovalStatus,
		&q.ApprovalNotes,
		&q.SubmittedBy,
		&q.SubmittedAt,
		&q.ApprovedBy,
		&q.ApprovedAt,
		&q.RejectedBy,
		&q.RejectedAt,
		&q.ValidUntil,
		&q.CreatedAt,
		&q.UpdatedAt,
		&q.UpdatedBy,
		&q.Version,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// FormatReference renders the human-readable quote code, e.g. Q-20260302-0042.
func FormatReference(t time.Time, seq int64) string {
	return fmt.Sprintf("Q-%s-%04d", t.UTC().Format("20060102"), seq)
}

// QuoteStore persists quotes in Postgres. Every mutating write is guarded on
// the expected version and on the edit lock in the same statement.
type QuoteStore struct {
	db *sql.DB
}

func NewQuoteStore(db *sql.DB) *QuoteStore {
	return &QuoteStore{db: db}
}

func (s *QuoteStore) Create(ctx context.Context, q *models.Quote) (*models.Quote, error) {
	var seq int64
	var now time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('quote_reference_seq'), NOW()`).Scan(&seq, &now); err != nil {
		return nil, fmt.Errorf("next quote reference: %w", err)
	}

	reference := q.Reference
	if reference == "" {
		reference = FormatReference(now, seq)
	}

	query := `
		INSERT INTO quotes (id, reference, title, customer_name, value, notes, status, created_by,
			assigned_to, valid_until, created_at, updated_at, updated_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $8, 1)
		RETURNING ` + quoteColumns

	created, err := scanQuote(s.db.QueryRowContext(ctx, query,
		q.ID, reference, q.Title, q.CustomerName, q.Value, q.Notes, models.StatusDraft, q.CreatedBy,
		q.AssignedTo, q.ValidUntil, now,
	))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, database.ErrDuplicateReference
		}
		return nil, fmt.Errorf("create quote: %w", err)
	}

	return created, nil
}

func (s *QuoteStore) Get(ctx context.Context, id string) (*models.Quote, error) {
	q, err := scanQuote(s.db.QueryRowContext(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrQuoteNotFound
		}
		return nil, fmt.Errorf("get quote: %w", err)
	}
	return q, nil
}

func (s *QuoteStore) List(ctx context.Context, page, pageSize int) (*OffsetPage[models.Quote], error) {
	page, pageSize = NormalizePage(page, pageSize)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotes`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count quotes: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()

	quotes, err := collectQuotes(rows)
	if err != nil {
		return nil, err
	}

	return NewOffsetPage(quotes, total, page, pageSize), nil
}

// CompareAndSwap applies u only if the stored version still equals
// expectedVersion and the edit lock is free or held by actor. On success the
// version is bumped by exactly one and updated_at/updated_by are stamped.
// A refused write returns *StaleWriteError carrying the current row.
func (s *QuoteStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int, actor string, u models.QuoteUpdate) (*models.Quote, error) {
	var updated *models.Quote

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := scanQuote(tx.QueryRowContext(ctx,
			`SELECT `+quoteColumns+` FROM quotes WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrQuoteNotFound
			}
			return fmt.Errorf("lock quote: %w", err)
		}

		if current.Version != expectedVersion || !current.EditableBy(actor) {
			return &StaleWriteError{Current: current}
		}

		next := current.Clone()
		u.Apply(next)

		updated, err = scanQuote(tx.QueryRowContext(ctx, `
			UPDATE quotes
			SET title = $4,
			    customer_name = $5,
			    value = $6,
			    notes = $7,
			    assigned_to = $8,
			    valid_until = $9,
			    status = $10,
			    current_assignee_id = $11,
			    approval_tier = $12,
			    approval_status = $13,
			    approval_notes = $14,
			    submitted_by = $15,
			    submitted_at = $16,
			    approved_by = $17,
			    approved_at = $18,
			    rejected_by = $19,
			    rejected_at = $20,
			    updated_at = NOW(),
			    updated_by = $3,
			    version = version + 1
			WHERE id = $1
			  AND version = $2
			  AND ($3 = 'system' OR locked_by IS NULL OR locked_by = $3)
			RETURNING `+quoteColumns,
			id, expectedVersion, actor,
			next.Title, next.CustomerName, next.Value, next.Notes, next.AssignedTo, next.ValidUntil,
			next.Status, next.CurrentAssigneeID, next.ApprovalTier, next.ApprovalStatus, next.ApprovalNotes,
			next.SubmittedBy, next.SubmittedAt, next.ApprovedBy, next.ApprovedAt, next.RejectedBy, next.RejectedAt,
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &StaleWriteError{Current: current}
			}
			return fmt.Errorf("update quote: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// AcquireLock takes or refreshes the edit lock. It does not bump the version.
func (s *QuoteStore) AcquireLock(ctx context.Context, id, userID string) (*models.Quote, error) {
	q, err := scanQuote(s.db.QueryRowContext(ctx, `
		UPDATE quotes
		SET locked_by = $2, locked_at = NOW()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_by = $2)
		RETURNING `+quoteColumns, id, userID))
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &StaleWriteError{Current: current}
}

// ReleaseLock clears the lock only when userID holds it. It reports whether
// anything changed.
func (s *QuoteStore) ReleaseLock(ctx context.Context, id, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE quotes
		SET locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND locked_by = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ReclaimStaleLocks clears every lock taken before cutoff and returns the ids
// of the quotes it freed.
func (s *QuoteStore) ReclaimStaleLocks(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE quotes
		SET locked_by = NULL, locked_at = NULL
		WHERE locked_by IS NOT NULL AND locked_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale locks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}

// ListExpirable returns non-terminal quotes whose valid_until is before now.
func (s *QuoteStore) ListExpirable(ctx context.Context, now time.Time) ([]models.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		WHERE valid_until IS NOT NULL
		  AND valid_until < $1
		  AND status NOT IN ('sent-to-customer', 'rejected', 'expired')
		ORDER BY valid_until, id`, now)
	if err != nil {
		return nil, fmt.Errorf("list expirable quotes: %w", err)
	}
	defer rows.Close()

	return collectQuotes(rows)
}

func (s *QuoteStore) ListAwaitingReview(ctx context.Context) ([]models.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		WHERE status = 'pending-approval'
		ORDER BY submitted_at NULLS LAST, id`)
	if err != nil {
		return nil, fmt.Errorf("list quotes awaiting review: %w", err)
	}
	defer rows.Close()

	return collectQuotes(rows)
}

func collectQuotes(rows *sql.Rows) ([]models.Quote, error) {
	var quotes []models.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		quotes = append(quotes, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return quotes, nil
}
