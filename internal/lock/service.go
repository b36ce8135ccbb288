// Package lock implements TTL-based mutual exclusion over (table, challenge)
// pairs. The lock table carries a uniqueness constraint on the pair, and an
// expired row is treated as absent: acquisition overwrites it in place, so
// concurrent acquires are arbitrated entirely by the store.
package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinequest/dinequest/internal/domain"
	"github.com/dinequest/dinequest/internal/errors"
)

// DefaultTTL bounds a lock's lifetime when the challenge has no time limit.
const DefaultTTL = 30 * time.Minute

type Config struct {
	DB *pgxpool.Pool
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

type AcquireRequest struct {
	TableID     int64
	ChallengeID int64
	UserID      int64
	SessionID   int64
	TTL         time.Duration
}

// TryAcquire takes the lock for (table, challenge) on behalf of the user. If
// the caller already holds a live lock it is returned unchanged, without
// extending its TTL. If another user holds a live lock the call fails with
// AlreadyExists. An expired lock is overwritten.
func (s *Service) TryAcquire(ctx context.Context, req AcquireRequest) (*domain.Lock, error) {
	if req.TTL <= 0 {
		req.TTL = DefaultTTL
	}

	if l, err := s.liveLock(ctx, req.TableID, req.ChallengeID); err != nil {
		return nil, err
	} else if l != nil {
		if l.UserID == req.UserID {
			return l, nil
		}
		return nil, conflict(req.ChallengeID)
	}

	const stmt = `
INSERT INTO challenge_locks (table_id, challenge_id, locked_by_user, session_id, locked_at, expires_at)
VALUES ($1, $2, $3, $4, now(), now() + make_interval(secs => $5))
ON CONFLICT (table_id, challenge_id) DO UPDATE
SET locked_by_user = EXCLUDED.locked_by_user,
    session_id     = EXCLUDED.session_id,
    locked_at      = EXCLUDED.locked_at,
    expires_at     = EXCLUDED.expires_at
WHERE challenge_locks.expires_at <= now()
RETURNING locked_at, expires_at;`

	l := domain.Lock{
		TableID:     req.TableID,
		ChallengeID: req.ChallengeID,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
	}

	err := s.db.QueryRow(ctx, stmt,
		req.TableID, req.ChallengeID, req.UserID, req.SessionID, req.TTL.Seconds(),
	).Scan(&l.LockedAt, &l.ExpiresAt)

	if stderrors.Is(err, pgx.ErrNoRows) {
		// Lost the race to a concurrent acquirer. Re-read to tell whether
		// the winner was this same user on another request.
		winner, lerr := s.liveLock(ctx, req.TableID, req.ChallengeID)
		if lerr != nil {
			return nil, lerr
		}
		if winner != nil && winner.UserID == req.UserID {
			return winner, nil
		}
		return nil, conflict(req.ChallengeID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return &l, nil
}

func (s *Service) liveLock(ctx context.Context, tableID, challengeID int64) (*domain.Lock, error) {
	const stmt = `
SELECT table_id, challenge_id, locked_by_user, session_id, locked_at, expires_at
FROM challenge_locks
WHERE table_id = $1 AND challenge_id = $2 AND expires_at > now();`

	var l domain.Lock
	err := s.db.QueryRow(ctx, stmt, tableID, challengeID).
		Scan(&l.TableID, &l.ChallengeID, &l.UserID, &l.SessionID, &l.LockedAt, &l.ExpiresAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}

	return &l, nil
}

// Held reports whether the user currently holds a live lock on (table, challenge).
func (s *Service) Held(ctx context.Context, tableID, challengeID, userID int64) (bool, error) {
	l, err := s.liveLock(ctx, tableID, challengeID)
	if err != nil {
		return false, err
	}

	return l != nil && l.UserID == userID, nil
}

// Release deletes the user's lock on (table, challenge). It is a no-op when
// the lock is absent or held by someone else.
func (s *Service) Release(ctx context.Context, tableID, challengeID, userID int64) error {
	_, err := s.db.Exec(ctx, releaseStmt, tableID, challengeID, userID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	return nil
}

const releaseStmt = `
DELETE FROM challenge_locks
WHERE table_id = $1 AND challenge_id = $2 AND locked_by_user = $3;`

// ReleaseTx is Release inside the caller's transaction, used when the release
// must commit atomically with an attempt completion.
func (s *Service) ReleaseTx(ctx context.Context, tx pgx.Tx, tableID, challengeID, userID int64) error {
	_, err := tx.Exec(ctx, releaseStmt, tableID, challengeID, userID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	return nil
}

// ReleaseAllForUserTx deletes every lock the user holds at the table. Session
// end runs this inside its own transaction.
func (s *Service) ReleaseAllForUserTx(ctx context.Context, tx pgx.Tx, tableID, userID int64) error {
	const stmt = `
DELETE FROM challenge_locks
WHERE table_id = $1 AND locked_by_user = $2;`

	_, err := tx.Exec(ctx, stmt, tableID, userID)
	if err != nil {
		return fmt.Errorf("release user locks: %w", err)
	}

	return nil
}

// ListActive returns the table's locks that have not yet expired.
func (s *Service) ListActive(ctx context.Context, tableID int64) ([]domain.Lock, error) {
	const stmt = `
SELECT table_id, challenge_id, locked_by_user, session_id, locked_at, expires_at
FROM challenge_locks
WHERE table_id = $1 AND expires_at > now()
ORDER BY locked_at;`

	rows, err := s.db.Query(ctx, stmt, tableID)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}

	locks, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Lock, error) {
		var l domain.Lock
		if err := r.Scan(&l.TableID, &l.ChallengeID, &l.UserID, &l.SessionID, &l.LockedAt, &l.ExpiresAt); err != nil {
			return domain.Lock{}, err
		}
		return l, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect locks: %w", err)
	}

	return locks, nil
}

func conflict(challengeID int64) error {
	return errors.New(errors.CodeAlreadyExists,
		errors.WithMessagef("challenge %d is being attempted by another user at this table", challengeID))
}
