// Package leaderboard maintains ranked completion views. Postgres rows written
// in the submit transaction are the authoritative ranking; a redis ZSET per
// challenge mirrors scores for live update fanout and is display-only.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dinequest/dinequest/internal/domain"
	"github.com/dinequest/dinequest/internal/errors"
	"github.com/dinequest/dinequest/internal/event"
)

const (
	defaultLimit    = 50
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	db     *pgxpool.Pool
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		db:     c.DB,
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameChallengeCompleted, func(ctx context.Context, e event.Event) error {
		return s.UpdateCache(ctx, e.(domain.EventChallengeCompleted))
	})

	return s
}

// InsertTx records one completion inside the submit transaction.
func (s *Service) InsertTx(ctx context.Context, tx pgx.Tx, e domain.LeaderboardEntry) error {
	const stmt = `
INSERT INTO challenge_leaderboard
    (challenge_id, user_id, session_id, completion_time_ms, total_score, correct_answers, total_questions)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err := tx.Exec(ctx, stmt,
		e.ChallengeID, e.UserID, e.SessionID, e.CompletionTimeMs,
		e.TotalScore, e.CorrectAnswers, e.TotalQuestions)
	if err != nil {
		return fmt.Errorf("insert leaderboard entry: %w", err)
	}

	return nil
}

type QueryRequest struct {
	ChallengeID int64
	Limit       int
}

// Query returns the challenge's ranked entries: total score descending,
// completion time ascending as tie-break. Ranks are dense sequential positions
// 1..N; equal score and time still receive distinct successive ranks.
func (s *Service) Query(ctx context.Context, req QueryRequest) ([]domain.LeaderboardEntry, error) {
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}

	const stmt = `
SELECT l.challenge_id, l.user_id, u.username, l.session_id,
       l.completion_time_ms, l.total_score, l.correct_answers, l.total_questions, l.completed_at
FROM challenge_leaderboard l
JOIN users u ON u.id = l.user_id
WHERE l.challenge_id = $1
ORDER BY l.total_score DESC, l.completion_time_ms ASC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, req.ChallengeID, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.LeaderboardEntry, error) {
		var e domain.LeaderboardEntry
		if err := r.Scan(&e.ChallengeID, &e.UserID, &e.Username, &e.SessionID,
			&e.CompletionTimeMs, &e.TotalScore, &e.CorrectAnswers, &e.TotalQuestions, &e.CompletedAt); err != nil {
			return domain.LeaderboardEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect leaderboard entries: %w", err)
	}

	return assignRanks(entries), nil
}

func assignRanks(entries []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return entries
}

// UpdateCache mirrors a completion's score into the challenge's redis ZSET and
// schedules a debounced leaderboard.updated publish.
func (s *Service) UpdateCache(ctx context.Context, e domain.EventChallengeCompleted) error {
	entry := e.Entry

	if err := s.redis.ZAdd(ctx, s.cacheKey(entry.ChallengeID), redis.Z{
		Score:  float64(entry.TotalScore),
		Member: entry.Username,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard cache: %w", err)
	}

	return s.schedulePublish(ctx, entry.ChallengeID)
}

// schedulePublish rate-limits leaderboard.updated to one publish per interval
// per challenge; many completions in quick succession collapse into one event.
func (s *Service) schedulePublish(ctx context.Context, challengeID int64) error {
	ok, err := s.redis.SetNX(ctx, s.publishKey(challengeID), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publish(ctx, challengeID)
}

func (s *Service) publish(ctx context.Context, challengeID int64) error {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.cacheKey(challengeID), 0, defaultLimit-1).Result()
	if err != nil {
		return fmt.Errorf("read leaderboard cache: %w", err)
	}

	if len(res) == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("leaderboard not cached: challenge=%d", challengeID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			ChallengeID: challengeID,
			Username:    z.Member.(string),
			TotalScore:  int(z.Score),
			Rank:        i + 1,
		})
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		ChallengeID: challengeID,
		Entries:     entries,
	})

	return nil
}

func (s *Service) cacheKey(challengeID int64) string {
	return fmt.Sprintf("%s:challenge:%d:leaderboard", s.prefix, challengeID)
}

func (s *Service) publishKey(challengeID int64) string {
	return fmt.Sprintf("%s:challenge:%d:publish", s.prefix, challengeID)
}
