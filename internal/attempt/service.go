// Package attempt orchestrates challenge start and submission: lock
// acquisition, answer scoring, and the single transaction that turns a
// submission into a completed attempt, a leaderboard row, and session points.
package attempt

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinequest/dinequest/internal/domain"
	"github.com/dinequest/dinequest/internal/errors"
	"github.com/dinequest/dinequest/internal/event"
	"github.com/dinequest/dinequest/internal/leaderboard"
	"github.com/dinequest/dinequest/internal/lock"
	"github.com/dinequest/dinequest/internal/scoring"
	"github.com/dinequest/dinequest/internal/session"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB          *pgxpool.Pool
	EventBus    *event.Bus
	Locks       *lock.Service
	Sessions    *session.Service
	Leaderboard *leaderboard.Service
}

type Service struct {
	db          *pgxpool.Pool
	eb          *event.Bus
	locks       *lock.Service
	sessions    *session.Service
	leaderboard *leaderboard.Service
}

func NewService(c Config) *Service {
	return &Service{
		db:          c.DB,
		eb:          c.EventBus,
		locks:       c.Locks,
		sessions:    c.Sessions,
		leaderboard: c.Leaderboard,
	}
}

type StartRequest struct {
	UserID      int64
	SessionID   int64
	ChallengeID int64
}

type StartResponse struct {
	Challenge     domain.Challenge
	LockExpiresAt time.Time
	// Quiz is set for quiz challenges only. Correct options are withheld.
	Quiz *QuizData
}

type QuizData struct {
	Questions      []domain.QuizQuestion `json:"questions"`
	TotalQuestions int                   `json:"totalQuestions"`
	ScoringFormula string                `json:"scoringFormula"`
}

// ScoringFormula is surfaced to clients so they can display live point decay.
const ScoringFormula = "round(points * (1 - elapsedMs / (timeLimitSeconds * 1000))), 0 if incorrect"

// Start begins an attempt: it refuses challenges the user has already
// completed anywhere, takes the table lock, and for quizzes returns the
// question set. Re-entry by the lock holder returns the same lock unchanged.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	ss, err := s.sessions.ActiveSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}

	ch, err := s.challenge(ctx, req.ChallengeID, true)
	if err != nil {
		return nil, err
	}

	completed, err := s.hasCompleted(ctx, req.UserID, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	if completed {
		return nil, alreadyCompleted(req.ChallengeID)
	}

	l, err := s.locks.TryAcquire(ctx, lock.AcquireRequest{
		TableID:     ss.TableID,
		ChallengeID: ch.ID,
		UserID:      req.UserID,
		SessionID:   ss.ID,
		TTL:         time.Duration(ch.TimeLimitMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ensureStarted(ctx, req.UserID, ss, ch.ID); err != nil {
		return nil, err
	}

	resp := &StartResponse{
		Challenge:     *ch,
		LockExpiresAt: l.ExpiresAt,
	}

	if ch.ChallengeType == domain.ChallengeQuiz {
		questions, err := s.questions(ctx, ch.ID, false)
		if err != nil {
			return nil, err
		}
		resp.Quiz = &QuizData{
			Questions:      questions,
			TotalQuestions: len(questions),
			ScoringFormula: ScoringFormula,
		}
	}

	return resp, nil
}

// ensureStarted records a started attempt row. Re-entry under the same session
// reuses the existing row; a restart after lock expiry in a later session
// starts fresh.
func (s *Service) ensureStarted(ctx context.Context, userID int64, ss *domain.Session, challengeID int64) error {
	const stmt = `
INSERT INTO challenge_attempts (user_id, session_id, challenge_id, venue_id, status)
SELECT $1, $2, $3, $4, 'started'
WHERE NOT EXISTS (
    SELECT 1 FROM challenge_attempts
    WHERE user_id = $1 AND session_id = $2 AND challenge_id = $3 AND status = 'started'
);`

	if _, err := s.db.Exec(ctx, stmt, userID, ss.ID, challengeID, ss.VenueID); err != nil {
		return fmt.Errorf("record started attempt: %w", err)
	}

	return nil
}

type SubmitRequest struct {
	UserID      int64
	SessionID   int64
	ChallengeID int64
	Payload     Payload
}

type SubmitResponse struct {
	Success      bool
	PointsEarned int
	// Quiz-only fields.
	TotalScore     int
	CorrectAnswers int
	TotalQuestions int
	Grade          string
	Efficiency     string
	Results        []scoring.Result
}

// Submit completes an attempt. It requires a live lock held by the caller,
// scores or verifies the payload, and commits the completion, the leaderboard
// row, the session point increment, and the lock release as one transaction.
// A repeat Submit after completion fails with AlreadyExists and never
// double-credits.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	ss, err := s.sessions.ActiveSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}

	ch, err := s.challenge(ctx, req.ChallengeID, false)
	if err != nil {
		return nil, err
	}

	if err := req.Payload.validate(ch.ChallengeType); err != nil {
		return nil, err
	}

	held, err := s.locks.Held(ctx, ss.TableID, ch.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("no active lock held for challenge %d", ch.ID))
	}

	if ch.ChallengeType == domain.ChallengeQuiz {
		return s.submitQuiz(ctx, ss, ch, req.Payload.Quiz)
	}

	return s.submitModerated(ctx, ss, ch, req.Payload.Moderator)
}

func (s *Service) submitQuiz(ctx context.Context, ss *domain.Session, ch *domain.Challenge, p *QuizPayload) (*SubmitResponse, error) {
	questions, err := s.questions(ctx, ch.ID, true)
	if err != nil {
		return nil, err
	}

	results := scoreAnswers(questions, p.Answers)
	summary := scoring.Aggregate(results)

	credited := 0
	if summary.CorrectAnswers > 0 {
		credited = ch.PointsReward
	}

	completionData, err := json.Marshal(struct {
		Answers        []scoring.Result `json:"answers"`
		TotalTimeMs    int64            `json:"totalTimeMs"`
		TotalScore     int              `json:"totalScore"`
		CorrectAnswers int              `json:"correctAnswers"`
		TotalQuestions int              `json:"totalQuestions"`
		Efficiency     string           `json:"efficiency"`
		Grade          string           `json:"grade"`
	}{results, p.TotalTimeMs, summary.TotalFinalScore, summary.CorrectAnswers, len(questions), summary.Efficiency.StringFixed(2), summary.Grade})
	if err != nil {
		return nil, fmt.Errorf("marshal completion data: %w", err)
	}

	entry := &domain.LeaderboardEntry{
		ChallengeID:      ch.ID,
		UserID:           ss.UserID,
		SessionID:        ss.ID,
		CompletionTimeMs: p.TotalTimeMs,
		TotalScore:       summary.TotalFinalScore,
		CorrectAnswers:   summary.CorrectAnswers,
		TotalQuestions:   len(questions),
	}

	if err := s.complete(ctx, ss, ch, credited, completionData, entry); err != nil {
		return nil, err
	}

	return &SubmitResponse{
		Success:        true,
		PointsEarned:   credited,
		TotalScore:     summary.TotalFinalScore,
		CorrectAnswers: summary.CorrectAnswers,
		TotalQuestions: len(questions),
		Grade:          summary.Grade,
		Efficiency:     summary.Efficiency.StringFixed(2),
		Results:        results,
	}, nil
}

// scoreAnswers grades each submitted answer against its question's stored
// correct option. Answers referencing unknown questions score nothing;
// unanswered questions simply earn no points.
func scoreAnswers(questions []domain.QuizQuestion, answers []QuizAnswer) []scoring.Result {
	byID := make(map[int64]domain.QuizQuestion, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	results := make([]scoring.Result, 0, len(answers))
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			continue
		}

		correct := false
		for _, o := range q.Options {
			if o.IsCorrect && o.ID == a.SelectedOptionID {
				correct = true
				break
			}
		}

		earned := scoring.Score(q.Points, q.TimeLimitSeconds, a.ResponseTimeMs, correct)
		results = append(results, scoring.Result{
			QuestionID:       q.ID,
			QuestionOrder:    q.QuestionOrder,
			SelectedOptionID: a.SelectedOptionID,
			ResponseTimeMs:   a.ResponseTimeMs,
			IsCorrect:        correct,
			BasePoints:       q.Points,
			ScoreEarned:      earned,
			Tier:             scoring.Tier(earned, q.Points),
		})
	}

	return results
}

func (s *Service) submitModerated(ctx context.Context, ss *domain.Session, ch *domain.Challenge, p *ModeratorPayload) (*SubmitResponse, error) {
	if err := s.verifyModeratorCode(ctx, ch, p.Code); err != nil {
		return nil, err
	}

	completionData, err := json.Marshal(struct {
		SubmissionType string    `json:"submissionType"`
		VerifiedAt     time.Time `json:"verifiedAt"`
	}{p.SubmissionType, time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal completion data: %w", err)
	}

	if err := s.complete(ctx, ss, ch, ch.PointsReward, completionData, nil); err != nil {
		return nil, err
	}

	return &SubmitResponse{
		Success:      true,
		PointsEarned: ch.PointsReward,
	}, nil
}

// verifyModeratorCode checks the staff code case-insensitively: purchase
// challenges verify against the purchase challenge table, every other
// moderated type against the per-challenge code table. An invalid code leaves
// no trace in the attempt history.
func (s *Service) verifyModeratorCode(ctx context.Context, ch *domain.Challenge, code string) error {
	var stmt string
	if ch.ChallengeType == domain.ChallengePurchase {
		stmt = `
SELECT 1 FROM purchase_challenges
WHERE challenge_id = $1 AND upper(moderator_code) = upper($2) AND is_active;`
	} else {
		stmt = `
SELECT 1 FROM moderator_codes
WHERE challenge_id = $1 AND upper(code) = upper($2);`
	}

	var one int
	err := s.db.QueryRow(ctx, stmt, ch.ID, code).Scan(&one)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid moderator code"))
	}
	if err != nil {
		return fmt.Errorf("verify moderator code: %w", err)
	}

	return nil
}

// complete commits the terminal transition in one transaction: the attempt row
// flips to completed, the leaderboard entry (quiz only) is recorded, the
// session's point counters are incremented relative at the store, and the lock
// is released. The partial unique index on completed (user, challenge) rows
// arbitrates concurrent submits.
func (s *Service) complete(ctx context.Context, ss *domain.Session, ch *domain.Challenge, credited int, completionData []byte, entry *domain.LeaderboardEntry) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const completeStmt = `
UPDATE challenge_attempts
SET status = 'completed', points_earned = $1, completion_data = $2, completed_at = now()
WHERE id = (
    SELECT id FROM challenge_attempts
    WHERE user_id = $3 AND challenge_id = $4 AND status = 'started'
    ORDER BY started_at DESC
    LIMIT 1
) AND status = 'started'
RETURNING id;`

	var attemptID int64
	err = tx.QueryRow(ctx, completeStmt, credited, completionData, ss.UserID, ch.ID).Scan(&attemptID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return alreadyCompleted(ch.ID)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return alreadyCompleted(ch.ID)
	}
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}

	if entry != nil {
		if err = s.leaderboard.InsertTx(ctx, tx, *entry); err != nil {
			return err
		}
	}

	const pointsStmt = `
UPDATE user_sessions
SET points_earned = points_earned + $1, temp_points = temp_points + $1
WHERE id = $2;`

	if _, err = tx.Exec(ctx, pointsStmt, credited, ss.ID); err != nil {
		return fmt.Errorf("credit session points: %w", err)
	}

	if err = s.locks.ReleaseTx(ctx, tx, ss.TableID, ch.ID, ss.UserID); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if entry != nil {
		e := *entry
		username, uerr := s.username(ctx, ss.UserID)
		if uerr != nil {
			// The completion is already durable; a missing username only
			// degrades the live cache update.
			username = fmt.Sprintf("user-%d", ss.UserID)
		}
		e.Username = username
		s.eb.Publish(ctx, domain.EventChallengeCompleted{Entry: e})
	}

	return nil
}

func (s *Service) challenge(ctx context.Context, id int64, activeOnly bool) (*domain.Challenge, error) {
	stmt := `
SELECT id, title, description, challenge_type, points_reward,
       COALESCE(time_limit_minutes, 0), is_global, is_active
FROM challenges
WHERE id = $1`
	if activeOnly {
		stmt += ` AND is_active`
	}

	var ch domain.Challenge
	err := s.db.QueryRow(ctx, stmt+";", id).Scan(
		&ch.ID, &ch.Title, &ch.Description, &ch.ChallengeType,
		&ch.PointsReward, &ch.TimeLimitMinutes, &ch.IsGlobal, &ch.IsActive)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge %d not found or inactive", id))
	}
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}

	return &ch, nil
}

func (s *Service) hasCompleted(ctx context.Context, userID, challengeID int64) (bool, error) {
	const stmt = `
SELECT EXISTS (
    SELECT 1 FROM challenge_attempts
    WHERE user_id = $1 AND challenge_id = $2 AND status = 'completed'
);`

	var exists bool
	if err := s.db.QueryRow(ctx, stmt, userID, challengeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check completed attempt: %w", err)
	}

	return exists, nil
}

// questions loads the challenge's question set in order. Options are included;
// is_correct is populated only when withCorrect is set, so Start responses
// never see it.
func (s *Service) questions(ctx context.Context, challengeID int64, withCorrect bool) ([]domain.QuizQuestion, error) {
	const qStmt = `
SELECT id, challenge_id, question_text, question_order, points,
       COALESCE(time_limit_seconds, 30), COALESCE(media_url, '')
FROM quiz_questions
WHERE challenge_id = $1
ORDER BY question_order;`

	rows, err := s.db.Query(ctx, qStmt, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	questions, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.QuizQuestion, error) {
		var q domain.QuizQuestion
		if err := r.Scan(&q.ID, &q.ChallengeID, &q.QuestionText, &q.QuestionOrder,
			&q.Points, &q.TimeLimitSeconds, &q.MediaURL); err != nil {
			return domain.QuizQuestion{}, err
		}
		return q, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	const oStmt = `
SELECT o.id, o.question_id, o.option_text, o.option_order, o.is_correct
FROM quiz_options o
JOIN quiz_questions q ON q.id = o.question_id
WHERE q.challenge_id = $1
ORDER BY o.question_id, o.option_order;`

	rows, err = s.db.Query(ctx, oStmt, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}

	options, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.QuizOption, error) {
		var o domain.QuizOption
		if err := r.Scan(&o.ID, &o.QuestionID, &o.OptionText, &o.OptionOrder, &o.IsCorrect); err != nil {
			return domain.QuizOption{}, err
		}
		if !withCorrect {
			o.IsCorrect = false
		}
		return o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect options: %w", err)
	}

	byQuestion := make(map[int64][]domain.QuizOption, len(questions))
	for _, o := range options {
		byQuestion[o.QuestionID] = append(byQuestion[o.QuestionID], o)
	}
	for i := range questions {
		questions[i].Options = byQuestion[questions[i].ID]
	}

	return questions, nil
}

func (s *Service) username(ctx context.Context, userID int64) (string, error) {
	var username string
	err := s.db.QueryRow(ctx, `SELECT username FROM users WHERE id = $1;`, userID).Scan(&username)
	if err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}

	return username, nil
}

func alreadyCompleted(challengeID int64) error {
	return errors.New(errors.CodeAlreadyExists,
		errors.WithMessagef("challenge %d has already been completed by this user", challengeID))
}
