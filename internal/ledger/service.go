// Package ledger keeps the append-only audit log of point deltas.
package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinequest/dinequest/internal/domain"
)

type Config struct {
	DB *pgxpool.Pool
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

// AppendTx writes one immutable ledger entry inside the caller's transaction,
// so the entry commits or rolls back together with the credit it documents.
func (s *Service) AppendTx(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) error {
	const stmt = `
INSERT INTO points_ledger (user_id, points_change, transaction_type, reference_type, reference_id, description)
VALUES ($1, $2, $3, $4, $5, $6);`

	_, err := tx.Exec(ctx, stmt,
		e.UserID, e.PointsChange, e.TransactionType, e.ReferenceType, e.ReferenceID, e.Description)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}

	return nil
}

// History returns the user's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	const stmt = `
SELECT id, user_id, points_change, transaction_type, reference_type, reference_id, description, created_at
FROM points_ledger
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.LedgerEntry, error) {
		var e domain.LedgerEntry
		if err := r.Scan(&e.ID, &e.UserID, &e.PointsChange, &e.TransactionType,
			&e.ReferenceType, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return domain.LedgerEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect ledger entries: %w", err)
	}

	return entries, nil
}
