//go:build integration_test

// End-to-end scenarios against a real Postgres (POSTGRES_URL) with the schema
// from migrations/schema.sql applied. Redis is provided by miniredis. These
// cover the store-arbitrated guarantees: single live lock per (table,
// challenge), exactly-once completion under concurrent submits, exactly-once
// session settlement, and leaderboard ordering.
package demo

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dinequest/dinequest/internal/attempt"
	"github.com/dinequest/dinequest/internal/domain"
	"github.com/dinequest/dinequest/internal/errors"
	"github.com/dinequest/dinequest/internal/event"
	"github.com/dinequest/dinequest/internal/leaderboard"
	"github.com/dinequest/dinequest/internal/ledger"
	"github.com/dinequest/dinequest/internal/lock"
	"github.com/dinequest/dinequest/internal/session"
)

type services struct {
	db          *pgxpool.Pool
	locks       *lock.Service
	ledger      *ledger.Service
	sessions    *session.Service
	attempts    *attempt.Service
	leaderboard *leaderboard.Service
	eb          *event.Bus
}

func makeServices(t *testing.T) *services {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})

	s := &services{db: db, eb: event.NewBus()}
	s.locks = lock.NewService(lock.Config{DB: db})
	s.ledger = ledger.NewService(ledger.Config{DB: db})
	s.sessions = session.NewService(session.Config{
		DB: db, EventBus: s.eb, Locks: s.locks, Ledger: s.ledger,
	})
	s.leaderboard = leaderboard.NewService(leaderboard.Config{
		DB: db, EventBus: s.eb, Redis: rc, Prefix: "test",
	})
	s.attempts = attempt.NewService(attempt.Config{
		DB: db, EventBus: s.eb, Locks: s.locks, Sessions: s.sessions, Leaderboard: s.leaderboard,
	})

	return s
}

// seed creates a user, venue, and table with unique names.
func (s *services) seed(t *testing.T, ctx context.Context, guest bool) (userID, tableID int64) {
	t.Helper()

	username := "u-" + uuid.NewString()[:18]
	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO users (username, is_guest) VALUES ($1, $2) RETURNING id;`,
		username, guest).Scan(&userID))

	var venueID int64
	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO venues (name) VALUES ($1) RETURNING id;`,
		"venue-"+uuid.NewString()[:8]).Scan(&venueID))

	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO venue_tables (venue_id, table_number) VALUES ($1, 'T1') RETURNING id;`,
		venueID).Scan(&tableID))

	return userID, tableID
}

func (s *services) seedQuiz(t *testing.T, ctx context.Context, reward int) (challengeID int64, questionID, correctOptionID int64) {
	t.Helper()

	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO challenges (title, challenge_type, points_reward, time_limit_minutes)
		 VALUES ('quiz', 'quiz', $1, 5) RETURNING id;`, reward).Scan(&challengeID))

	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO quiz_questions (challenge_id, question_text, question_order, points, time_limit_seconds)
		 VALUES ($1, 'q?', 1, 1000, 10) RETURNING id;`, challengeID).Scan(&questionID))

	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO quiz_options (question_id, option_text, option_order, is_correct)
		 VALUES ($1, 'right', 1, true) RETURNING id;`, questionID).Scan(&correctOptionID))
	_, err := s.db.Exec(ctx,
		`INSERT INTO quiz_options (question_id, option_text, option_order) VALUES ($1, 'wrong', 2);`,
		questionID)
	require.NoError(t, err)

	return challengeID, questionID, correctOptionID
}

func TestLock_SingleHolderPerTableChallenge(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	u1, tableID := s.seed(t, ctx, false)
	u2, _ := s.seed(t, ctx, false)
	challengeID, _, _ := s.seedQuiz(t, ctx, 50)

	ss1, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{UserID: u1, TableID: tableID})
	require.NoError(t, err)

	l1, err := s.locks.TryAcquire(ctx, lock.AcquireRequest{
		TableID: tableID, ChallengeID: challengeID, UserID: u1, SessionID: ss1.ID, TTL: time.Minute,
	})
	require.NoError(t, err)

	// Re-entry by the holder returns the identical lock, TTL untouched.
	l2, err := s.locks.TryAcquire(ctx, lock.AcquireRequest{
		TableID: tableID, ChallengeID: challengeID, UserID: u1, SessionID: ss1.ID, TTL: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, l1.ExpiresAt, l2.ExpiresAt)

	// A different user conflicts while the lock is live.
	_, err = s.locks.TryAcquire(ctx, lock.AcquireRequest{
		TableID: tableID, ChallengeID: challengeID, UserID: u2, SessionID: ss1.ID, TTL: time.Minute,
	})
	require.True(t, errors.Is(err, errors.CodeAlreadyExists), "got %v", err)

	locks, err := s.locks.ListActive(ctx, tableID)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, u1, locks[0].UserID)
}

func TestLock_ExpiredLockIsTakenOver(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	u1, tableID := s.seed(t, ctx, false)
	u2, _ := s.seed(t, ctx, false)
	challengeID, _, _ := s.seedQuiz(t, ctx, 50)

	_, err := s.locks.TryAcquire(ctx, lock.AcquireRequest{
		TableID: tableID, ChallengeID: challengeID, UserID: u1, SessionID: 1, TTL: time.Second,
	})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	l, err := s.locks.TryAcquire(ctx, lock.AcquireRequest{
		TableID: tableID, ChallengeID: challengeID, UserID: u2, SessionID: 1, TTL: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, u2, l.UserID)

	locks, err := s.locks.ListActive(ctx, tableID)
	require.NoError(t, err)
	require.Len(t, locks, 1, "never more than one live lock per (table, challenge)")
}

func TestLock_ConcurrentAcquireHasOneWinner(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	const n = 10

	users := make([]int64, n)
	var tableID int64
	users[0], tableID = s.seed(t, ctx, false)
	for i := 1; i < n; i++ {
		users[i], _ = s.seed(t, ctx, false)
	}
	challengeID, _, _ := s.seedQuiz(t, ctx, 50)

	var (
		wins  int
		mu    sync.Mutex
		eg    errgroup.Group
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		userID := users[i]
		eg.Go(func() error {
			<-start
			_, err := s.locks.TryAcquire(ctx, lock.AcquireRequest{
				TableID: tableID, ChallengeID: challengeID, UserID: userID, SessionID: 1, TTL: time.Minute,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return nil
			}
			if errors.Is(err, errors.CodeAlreadyExists) {
				return nil
			}
			return err
		})
	}
	close(start)
	require.NoError(t, eg.Wait())
	require.Equal(t, 1, wins)
}

func TestSubmit_ConcurrentSubmitsCompleteOnce(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	userID, tableID := s.seed(t, ctx, false)
	challengeID, questionID, correctOptionID := s.seedQuiz(t, ctx, 100)

	ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{UserID: userID, TableID: tableID})
	require.NoError(t, err)

	_, err = s.attempts.Start(ctx, attempt.StartRequest{
		UserID: userID, SessionID: ss.ID, ChallengeID: challengeID,
	})
	require.NoError(t, err)

	payload := attempt.Payload{Quiz: &attempt.QuizPayload{
		Answers: []attempt.QuizAnswer{
			{QuestionID: questionID, SelectedOptionID: correctOptionID, ResponseTimeMs: 1000},
		},
		TotalTimeMs: 1000,
	}}

	const n = 8

	var (
		successes int
		mu        sync.Mutex
		eg        errgroup.Group
		start     = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			<-start
			_, err := s.attempts.Submit(ctx, attempt.SubmitRequest{
				UserID: userID, SessionID: ss.ID, ChallengeID: challengeID, Payload: payload,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return nil
			}
			if errors.Is(err, errors.CodeAlreadyExists) || errors.Is(err, errors.CodePermissionDenied) {
				return nil
			}
			return err
		})
	}
	close(start)
	require.NoError(t, eg.Wait())
	require.Equal(t, 1, successes, "exactly one submit may complete")

	var completed int
	require.NoError(t, s.db.QueryRow(ctx,
		`SELECT count(*) FROM challenge_attempts
		 WHERE user_id = $1 AND challenge_id = $2 AND status = 'completed';`,
		userID, challengeID).Scan(&completed))
	require.Equal(t, 1, completed)

	// Exactly one 100-point credit landed on the session.
	got, err := s.sessions.GetSession(ctx, ss.ID, userID)
	require.NoError(t, err)
	require.Equal(t, 100, got.PointsEarned)

	// Restarting a completed challenge is refused.
	_, err = s.attempts.Start(ctx, attempt.StartRequest{
		UserID: userID, SessionID: ss.ID, ChallengeID: challengeID,
	})
	require.True(t, errors.Is(err, errors.CodeAlreadyExists), "got %v", err)
}

func TestSubmit_AllWrongAnswersEarnNoReward(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	userID, tableID := s.seed(t, ctx, false)
	challengeID, questionID, correctOptionID := s.seedQuiz(t, ctx, 100)

	ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{UserID: userID, TableID: tableID})
	require.NoError(t, err)

	_, err = s.attempts.Start(ctx, attempt.StartRequest{
		UserID: userID, SessionID: ss.ID, ChallengeID: challengeID,
	})
	require.NoError(t, err)

	resp, err := s.attempts.Submit(ctx, attempt.SubmitRequest{
		UserID: userID, SessionID: ss.ID, ChallengeID: challengeID,
		Payload: attempt.Payload{Quiz: &attempt.QuizPayload{
			Answers: []attempt.QuizAnswer{
				{QuestionID: questionID, SelectedOptionID: correctOptionID + 1000, ResponseTimeMs: 1000},
			},
			TotalTimeMs: 1000,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 0, resp.PointsEarned)
	require.Equal(t, 0, resp.CorrectAnswers)
}

func TestEndSession_SettlesExactlyOnce(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	userID, tableID := s.seed(t, ctx, false)

	ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{UserID: userID, TableID: tableID})
	require.NoError(t, err)

	_, err = s.db.Exec(ctx,
		`UPDATE user_sessions SET points_earned = 150, temp_points = 150 WHERE id = $1;`, ss.ID)
	require.NoError(t, err)

	resp, err := s.sessions.EndSession(ctx, session.EndSessionRequest{SessionID: ss.ID, UserID: userID})
	require.NoError(t, err)
	require.Equal(t, 150, resp.PointsEarned)
	require.True(t, resp.Transferred)

	var total int
	require.NoError(t, s.db.QueryRow(ctx,
		`SELECT total_points FROM users WHERE id = $1;`, userID).Scan(&total))
	require.Equal(t, 150, total)

	entries, err := s.ledger.History(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 150, entries[0].PointsChange)

	// A repeat end is NotFound and never double-credits.
	_, err = s.sessions.EndSession(ctx, session.EndSessionRequest{SessionID: ss.ID, UserID: userID})
	require.True(t, errors.Is(err, errors.CodeNotFound), "got %v", err)

	require.NoError(t, s.db.QueryRow(ctx,
		`SELECT total_points FROM users WHERE id = $1;`, userID).Scan(&total))
	require.Equal(t, 150, total)
}

func TestEndSession_GuestPointsAreNotTransferred(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	userID, tableID := s.seed(t, ctx, true)

	ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{
		UserID: userID, TableID: tableID, IsGuest: true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.SessionGuest, ss.SessionType)

	_, err = s.db.Exec(ctx,
		`UPDATE user_sessions SET points_earned = 80, temp_points = 80 WHERE id = $1;`, ss.ID)
	require.NoError(t, err)

	resp, err := s.sessions.EndSession(ctx, session.EndSessionRequest{SessionID: ss.ID, UserID: userID})
	require.NoError(t, err)
	require.False(t, resp.Transferred)

	var total int
	require.NoError(t, s.db.QueryRow(ctx,
		`SELECT total_points FROM users WHERE id = $1;`, userID).Scan(&total))
	require.Equal(t, 0, total)

	entries, err := s.ledger.History(ctx, userID, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCreateSession_SupersedesPriorActiveSession(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	userID, tableID := s.seed(t, ctx, false)

	first, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{UserID: userID, TableID: tableID})
	require.NoError(t, err)

	second, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{UserID: userID, TableID: tableID})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	got, err := s.sessions.GetSession(ctx, first.ID, userID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.NotNil(t, got.EndedAt)
}

func TestLeaderboard_Ordering(t *testing.T) {
	s := makeServices(t)
	ctx := context.Background()

	challengeID, _, _ := s.seedQuiz(t, ctx, 10)

	insert := func(score int, timeMs int64) {
		userID, tableID := s.seed(t, ctx, false)
		ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{UserID: userID, TableID: tableID})
		require.NoError(t, err)

		tx, err := s.db.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, s.leaderboard.InsertTx(ctx, tx, domain.LeaderboardEntry{
			ChallengeID: challengeID, UserID: userID, SessionID: ss.ID,
			CompletionTimeMs: timeMs, TotalScore: score, CorrectAnswers: 1, TotalQuestions: 1,
		}))
		require.NoError(t, tx.Commit(ctx))
	}

	insert(800, 1000)
	insert(900, 8000)
	insert(900, 5000)

	entries, err := s.leaderboard.Query(ctx, leaderboard.QueryRequest{ChallengeID: challengeID})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Higher score first; equal scores break on faster completion; ranks are
	// dense sequential positions.
	require.Equal(t, []int{900, 900, 800},
		[]int{entries[0].TotalScore, entries[1].TotalScore, entries[2].TotalScore})
	require.Equal(t, []int64{5000, 8000, 1000},
		[]int64{entries[0].CompletionTimeMs, entries[1].CompletionTimeMs, entries[2].CompletionTimeMs})
	require.Equal(t, []int{1, 2, 3},
		[]int{entries[0].Rank, entries[1].Rank, entries[2].Rank})
}
