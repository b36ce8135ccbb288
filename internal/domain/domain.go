package domain

import "time"

type ChallengeType string

const (
	ChallengeQuiz     ChallengeType = "quiz"
	ChallengeLocation ChallengeType = "location"
	ChallengePhoto    ChallengeType = "photo"
	ChallengeVideo    ChallengeType = "video"
	ChallengeCheckin  ChallengeType = "checkin"
	ChallengePurchase ChallengeType = "purchase"
	ChallengeCustom   ChallengeType = "custom"
)

type SessionType string

const (
	SessionNormal SessionType = "normal"
	SessionGuest  SessionType = "guest"
)

// Session is a user's time-bounded presence at one table. A user has at most
// one active session at any time; creating a new one ends the prior.
type Session struct {
	ID           int64
	UserID       int64
	TableID      int64
	VenueID      int64
	SessionToken string
	StartedAt    time.Time
	EndedAt      *time.Time
	IsActive     bool
	PointsEarned int
	TempPoints   int
	SessionType  SessionType
}

type Challenge struct {
	ID               int64
	Title            string
	Description      string
	ChallengeType    ChallengeType
	PointsReward     int
	TimeLimitMinutes int
	IsGlobal         bool
	IsActive         bool
}

type QuizQuestion struct {
	ID               int64
	ChallengeID      int64
	QuestionText     string
	QuestionOrder    int
	Points           int
	TimeLimitSeconds int
	MediaURL         string
	Options          []QuizOption
}

// QuizOption is a single answer choice. IsCorrect is never serialized to the
// attempting client before submission.
type QuizOption struct {
	ID          int64
	QuestionID  int64
	OptionText  string
	OptionOrder int
	IsCorrect   bool
}

// Lock is an ephemeral exclusivity record over (table, challenge). At most one
// lock with ExpiresAt in the future exists per pair; an expired row reads as
// absent and may be overwritten by the next acquirer.
type Lock struct {
	TableID     int64
	ChallengeID int64
	UserID      int64
	SessionID   int64
	LockedAt    time.Time
	ExpiresAt   time.Time
}

type AttemptStatus string

const (
	AttemptStarted   AttemptStatus = "started"
	AttemptCompleted AttemptStatus = "completed"
)

// Attempt records a user's engagement with a challenge. A challenge may be
// completed by a user once, ever.
type Attempt struct {
	ID             int64
	UserID         int64
	SessionID      int64
	ChallengeID    int64
	VenueID        int64
	Status         AttemptStatus
	PointsEarned   int
	CompletionData []byte
	StartedAt      time.Time
	CompletedAt    *time.Time
}

type TransactionType string

const (
	TxChallengeCompletion TransactionType = "challenge_completion"
	TxBonus               TransactionType = "bonus"
	TxPenalty             TransactionType = "penalty"
	TxRedemption          TransactionType = "redemption"
)

type ReferenceType string

const (
	RefChallenge ReferenceType = "challenge"
	RefSession   ReferenceType = "session"
	RefManual    ReferenceType = "manual"
)

// LedgerEntry is an immutable record of a point delta for a user.
type LedgerEntry struct {
	ID              int64
	UserID          int64
	PointsChange    int
	TransactionType TransactionType
	ReferenceType   ReferenceType
	ReferenceID     int64
	Description     string
	CreatedAt       time.Time
}

// LeaderboardEntry is a per-completion ranking record for a challenge.
type LeaderboardEntry struct {
	ChallengeID      int64
	UserID           int64
	Username         string
	SessionID        int64
	CompletionTimeMs int64
	TotalScore       int
	CorrectAnswers   int
	TotalQuestions   int
	CompletedAt      time.Time
	Rank             int
}
