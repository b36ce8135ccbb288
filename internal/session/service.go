// Package session manages the lifecycle of a user's presence at a table and
// the end-of-session point settlement.
package session

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinequest/dinequest/internal/domain"
	"github.com/dinequest/dinequest/internal/errors"
	"github.com/dinequest/dinequest/internal/event"
	"github.com/dinequest/dinequest/internal/ledger"
	"github.com/dinequest/dinequest/internal/lock"
)

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
	Locks    *lock.Service
	Ledger   *ledger.Service
}

type Service struct {
	db     *pgxpool.Pool
	eb     *event.Bus
	locks  *lock.Service
	ledger *ledger.Service
}

func NewService(c Config) *Service {
	return &Service{
		db:     c.DB,
		eb:     c.EventBus,
		locks:  c.Locks,
		ledger: c.Ledger,
	}
}

type CreateSessionRequest struct {
	UserID  int64
	TableID int64
	// IsGuest comes from the identity layer; guest sessions accrue temporary
	// points that are lost unless the account is upgraded before session end.
	IsGuest bool
}

// CreateSession seats the user at the table. Any prior active session for the
// user is ended first; its locks are left to expire on their own.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (ss *domain.Session, err error) {
	var venueID int64
	const tableStmt = `
SELECT t.venue_id
FROM venue_tables t
JOIN venues v ON v.id = t.venue_id
WHERE t.id = $1 AND t.is_active AND v.is_active;`

	err = s.db.QueryRow(ctx, tableStmt, req.TableID).Scan(&venueID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("table %d not found or inactive", req.TableID))
	}
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}

	token, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	sessionType := domain.SessionNormal
	if req.IsGuest {
		sessionType = domain.SessionGuest
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const endPriorStmt = `
UPDATE user_sessions
SET is_active = false, ended_at = now()
WHERE user_id = $1 AND is_active;`

	if _, err = tx.Exec(ctx, endPriorStmt, req.UserID); err != nil {
		return nil, fmt.Errorf("end prior sessions: %w", err)
	}

	const insertStmt = `
INSERT INTO user_sessions (user_id, table_id, venue_id, session_token, session_type)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, started_at;`

	ss = &domain.Session{
		UserID:       req.UserID,
		TableID:      req.TableID,
		VenueID:      venueID,
		SessionToken: token.String(),
		IsActive:     true,
		SessionType:  sessionType,
	}

	err = tx.QueryRow(ctx, insertStmt,
		req.UserID, req.TableID, venueID, ss.SessionToken, sessionType,
	).Scan(&ss.ID, &ss.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return ss, nil
}

type EndSessionRequest struct {
	SessionID int64
	UserID    int64
}

type EndSessionResponse struct {
	PointsEarned int
	TempPoints   int
	// Transferred reports whether the session points were credited to the
	// user's account total. Guests never transfer.
	Transferred bool
}

// EndSession marks the session ended, force-releases every lock the user holds
// at the session's table, and settles points. The conditional UPDATE on
// is_active is the idempotency gate: a second call finds no active row and
// returns NotFound, so the account credit and ledger append happen exactly
// once per session.
func (s *Service) EndSession(ctx context.Context, req EndSessionRequest) (resp *EndSessionResponse, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const endStmt = `
UPDATE user_sessions
SET is_active = false, ended_at = now()
WHERE id = $1 AND user_id = $2 AND is_active
RETURNING table_id, points_earned, temp_points;`

	var (
		tableID      int64
		pointsEarned int
		tempPoints   int
	)
	err = tx.QueryRow(ctx, endStmt, req.SessionID, req.UserID).Scan(&tableID, &pointsEarned, &tempPoints)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session %d not found or already ended", req.SessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}

	if err = s.locks.ReleaseAllForUserTx(ctx, tx, tableID, req.UserID); err != nil {
		return nil, err
	}

	var isGuest bool
	err = tx.QueryRow(ctx, `SELECT is_guest FROM users WHERE id = $1;`, req.UserID).Scan(&isGuest)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user %d not found", req.UserID))
	}
	if err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}

	transferred := false
	if !isGuest && pointsEarned > 0 {
		// Relative increment at the store; never a read-modify-write here.
		const creditStmt = `
UPDATE users SET total_points = total_points + $1 WHERE id = $2;`

		if _, err = tx.Exec(ctx, creditStmt, pointsEarned, req.UserID); err != nil {
			return nil, fmt.Errorf("credit points: %w", err)
		}

		err = s.ledger.AppendTx(ctx, tx, domain.LedgerEntry{
			UserID:          req.UserID,
			PointsChange:    pointsEarned,
			TransactionType: domain.TxChallengeCompletion,
			ReferenceType:   domain.RefSession,
			ReferenceID:     req.SessionID,
			Description:     fmt.Sprintf("Session completed - %d points earned", pointsEarned),
		})
		if err != nil {
			return nil, err
		}

		transferred = true
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.eb.Publish(ctx, domain.EventSessionEnded{
		Session: domain.Session{
			ID:           req.SessionID,
			UserID:       req.UserID,
			TableID:      tableID,
			PointsEarned: pointsEarned,
			TempPoints:   tempPoints,
		},
		Transferred: transferred,
	})

	return &EndSessionResponse{
		PointsEarned: pointsEarned,
		TempPoints:   tempPoints,
		Transferred:  transferred,
	}, nil
}

// UpgradeGuest promotes a guest account to registered. Points earned in a
// still-active session will then transfer normally when it ends.
func (s *Service) UpgradeGuest(ctx context.Context, userID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET is_guest = false WHERE id = $1 AND is_guest;`, userID)
	if err != nil {
		return fmt.Errorf("upgrade guest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("user %d is not a guest", userID))
	}

	return nil
}

// GetSession fetches the caller's session by id.
func (s *Service) GetSession(ctx context.Context, sessionID, userID int64) (*domain.Session, error) {
	const stmt = `
SELECT id, user_id, table_id, venue_id, session_token, started_at, ended_at,
       is_active, points_earned, temp_points, session_type
FROM user_sessions
WHERE id = $1 AND user_id = $2;`

	var ss domain.Session
	err := s.db.QueryRow(ctx, stmt, sessionID, userID).Scan(
		&ss.ID, &ss.UserID, &ss.TableID, &ss.VenueID, &ss.SessionToken,
		&ss.StartedAt, &ss.EndedAt, &ss.IsActive, &ss.PointsEarned,
		&ss.TempPoints, &ss.SessionType)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session %d not found", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	return &ss, nil
}

// ActiveSession returns the session only if it is active and owned by the user.
func (s *Service) ActiveSession(ctx context.Context, sessionID, userID int64) (*domain.Session, error) {
	ss, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !ss.IsActive {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session %d is not active", sessionID))
	}

	return ss, nil
}
