// Package api exposes the coordination operations over HTTP. Identity is an
// external collaborator: callers arrive with a verified user id and guest flag
// in headers, and all ids are validated before reaching the services.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/dinequest/dinequest/internal/attempt"
	"github.com/dinequest/dinequest/internal/domain"
	"github.com/dinequest/dinequest/internal/errors"
	"github.com/dinequest/dinequest/internal/event"
	"github.com/dinequest/dinequest/internal/leaderboard"
	"github.com/dinequest/dinequest/internal/ledger"
	"github.com/dinequest/dinequest/internal/lock"
	"github.com/dinequest/dinequest/internal/session"
)

const (
	headerUserID = "X-User-ID"
	headerGuest  = "X-User-Guest"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Sessions     *session.Service
	Attempts     *attempt.Service
	Locks        *lock.Service
	Leaderboard  *leaderboard.Service
	Ledger       *ledger.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	sessions    *session.Service
	attempts    *attempt.Service
	locks       *lock.Service
	leaderboard *leaderboard.Service
	ledger      *ledger.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		sessions:    c.Sessions,
		attempts:    c.Attempts,
		locks:       c.Locks,
		leaderboard: c.Leaderboard,
		ledger:      c.Ledger,
		redis:       c.Redis,
		prefix:      c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/sessions", a.createSession)
	v1.GET("/sessions/:sessionId", a.getSession)
	v1.POST("/sessions/:sessionId/end", a.endSession)
	v1.GET("/sessions/:sessionId/locks", a.listLocks)
	v1.POST("/sessions/:sessionId/challenges/:challengeId/start", a.startChallenge)
	v1.POST("/sessions/:sessionId/challenges/:challengeId/submit", a.submitChallenge)
	v1.GET("/challenges/:challengeId/leaderboard", a.getLeaderboard)
	v1.GET("/users/me/points-history", a.pointsHistory)
	v1.POST("/users/me/upgrade", a.upgradeGuest)

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

type caller struct {
	UserID  int64
	IsGuest bool
}

func identity(c *gin.Context) (caller, error) {
	id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
	if err != nil || id <= 0 {
		return caller{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing or invalid %s header", headerUserID))
	}

	return caller{
		UserID:  id,
		IsGuest: c.GetHeader(headerGuest) == "true",
	}, nil
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid %s", name))
	}

	return id, nil
}

func respondErr(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Code,
		"message": e.Message,
	})
}

type sessionView struct {
	ID           int64      `json:"id"`
	TableID      int64      `json:"tableId"`
	VenueID      int64      `json:"venueId"`
	SessionToken string     `json:"sessionToken"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	IsActive     bool       `json:"isActive"`
	PointsEarned int        `json:"pointsEarned"`
	TempPoints   int        `json:"tempPoints"`
	SessionType  string     `json:"sessionType"`
}

func toSessionView(ss *domain.Session) sessionView {
	return sessionView{
		ID:           ss.ID,
		TableID:      ss.TableID,
		VenueID:      ss.VenueID,
		SessionToken: ss.SessionToken,
		StartedAt:    ss.StartedAt,
		EndedAt:      ss.EndedAt,
		IsActive:     ss.IsActive,
		PointsEarned: ss.PointsEarned,
		TempPoints:   ss.TempPoints,
		SessionType:  string(ss.SessionType),
	}
}

func (a *API) createSession(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	var body struct {
		TableID int64 `json:"tableId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.TableID <= 0 {
		respondErr(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("tableId is required")))
		return
	}

	ss, err := a.sessions.CreateSession(c.Request.Context(), session.CreateSessionRequest{
		UserID:  who.UserID,
		TableID: body.TableID,
		IsGuest: who.IsGuest,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(201, gin.H{"session": toSessionView(ss)})
}

func (a *API) getSession(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	sessionID, err := pathID(c, "sessionId")
	if err != nil {
		respondErr(c, err)
		return
	}

	ss, err := a.sessions.GetSession(c.Request.Context(), sessionID, who.UserID)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(200, gin.H{"session": toSessionView(ss)})
}

func (a *API) endSession(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	sessionID, err := pathID(c, "sessionId")
	if err != nil {
		respondErr(c, err)
		return
	}

	resp, err := a.sessions.EndSession(c.Request.Context(), session.EndSessionRequest{
		SessionID: sessionID,
		UserID:    who.UserID,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(200, gin.H{
		"pointsEarned": resp.PointsEarned,
		"tempPoints":   resp.TempPoints,
		"transferred":  resp.Transferred,
	})
}

func (a *API) listLocks(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	sessionID, err := pathID(c, "sessionId")
	if err != nil {
		respondErr(c, err)
		return
	}

	ss, err := a.sessions.GetSession(c.Request.Context(), sessionID, who.UserID)
	if err != nil {
		respondErr(c, err)
		return
	}

	locks, err := a.locks.ListActive(c.Request.Context(), ss.TableID)
	if err != nil {
		respondErr(c, err)
		return
	}

	type lockView struct {
		ChallengeID int64     `json:"challengeId"`
		UserID      int64     `json:"lockedByUser"`
		SessionID   int64     `json:"sessionId"`
		LockedAt    time.Time `json:"lockedAt"`
		ExpiresAt   time.Time `json:"expiresAt"`
	}

	views := make([]lockView, 0, len(locks))
	for _, l := range locks {
		views = append(views, lockView{
			ChallengeID: l.ChallengeID,
			UserID:      l.UserID,
			SessionID:   l.SessionID,
			LockedAt:    l.LockedAt,
			ExpiresAt:   l.ExpiresAt,
		})
	}

	c.JSON(200, gin.H{"locks": views})
}

func (a *API) startChallenge(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	sessionID, err := pathID(c, "sessionId")
	if err != nil {
		respondErr(c, err)
		return
	}
	challengeID, err := pathID(c, "challengeId")
	if err != nil {
		respondErr(c, err)
		return
	}

	resp, err := a.attempts.Start(c.Request.Context(), attempt.StartRequest{
		UserID:      who.UserID,
		SessionID:   sessionID,
		ChallengeID: challengeID,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	body := gin.H{
		"challenge": gin.H{
			"id":            resp.Challenge.ID,
			"title":         resp.Challenge.Title,
			"description":   resp.Challenge.Description,
			"challengeType": resp.Challenge.ChallengeType,
			"pointsReward":  resp.Challenge.PointsReward,
		},
		"lockExpiresAt": resp.LockExpiresAt,
	}
	if resp.Quiz != nil {
		body["quiz"] = toQuizView(resp.Quiz)
	}

	c.JSON(200, body)
}

// toQuizView shapes the question set for the attempting client. Correct-option
// flags are already stripped by the coordinator; this keeps them out of the
// wire shape entirely.
func toQuizView(q *attempt.QuizData) gin.H {
	type optionView struct {
		ID          int64  `json:"id"`
		OptionText  string `json:"optionText"`
		OptionOrder int    `json:"optionOrder"`
	}
	type questionView struct {
		ID               int64        `json:"id"`
		QuestionText     string       `json:"questionText"`
		QuestionOrder    int          `json:"questionOrder"`
		Points           int          `json:"points"`
		TimeLimitSeconds int          `json:"timeLimitSeconds"`
		MediaURL         string       `json:"mediaUrl,omitempty"`
		Options          []optionView `json:"options"`
	}

	questions := make([]questionView, 0, len(q.Questions))
	for _, question := range q.Questions {
		qv := questionView{
			ID:               question.ID,
			QuestionText:     question.QuestionText,
			QuestionOrder:    question.QuestionOrder,
			Points:           question.Points,
			TimeLimitSeconds: question.TimeLimitSeconds,
			MediaURL:         question.MediaURL,
		}
		for _, o := range question.Options {
			qv.Options = append(qv.Options, optionView{
				ID:          o.ID,
				OptionText:  o.OptionText,
				OptionOrder: o.OptionOrder,
			})
		}
		questions = append(questions, qv)
	}

	return gin.H{
		"questions":      questions,
		"totalQuestions": q.TotalQuestions,
		"scoringFormula": q.ScoringFormula,
	}
}

func (a *API) submitChallenge(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	sessionID, err := pathID(c, "sessionId")
	if err != nil {
		respondErr(c, err)
		return
	}
	challengeID, err := pathID(c, "challengeId")
	if err != nil {
		respondErr(c, err)
		return
	}

	var payload attempt.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("malformed payload"), errors.WithCause(err)))
		return
	}

	resp, err := a.attempts.Submit(c.Request.Context(), attempt.SubmitRequest{
		UserID:      who.UserID,
		SessionID:   sessionID,
		ChallengeID: challengeID,
		Payload:     payload,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	body := gin.H{
		"success":      resp.Success,
		"pointsEarned": resp.PointsEarned,
	}
	if resp.TotalQuestions > 0 {
		body["totalScore"] = resp.TotalScore
		body["correctAnswers"] = resp.CorrectAnswers
		body["totalQuestions"] = resp.TotalQuestions
		body["grade"] = resp.Grade
		body["efficiency"] = resp.Efficiency
		body["questionResults"] = resp.Results
	}

	c.JSON(200, body)
}

func (a *API) getLeaderboard(c *gin.Context) {
	challengeID, err := pathID(c, "challengeId")
	if err != nil {
		respondErr(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := a.leaderboard.Query(c.Request.Context(), leaderboard.QueryRequest{
		ChallengeID: challengeID,
		Limit:       limit,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	type entryView struct {
		Rank             int       `json:"rank"`
		UserID           int64     `json:"userId"`
		Username         string    `json:"username"`
		CompletionTimeMs int64     `json:"completionTimeMs"`
		TotalScore       int       `json:"totalScore"`
		CorrectAnswers   int       `json:"correctAnswers"`
		TotalQuestions   int       `json:"totalQuestions"`
		CompletedAt      time.Time `json:"completedAt"`
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			Rank:             e.Rank,
			UserID:           e.UserID,
			Username:         e.Username,
			CompletionTimeMs: e.CompletionTimeMs,
			TotalScore:       e.TotalScore,
			CorrectAnswers:   e.CorrectAnswers,
			TotalQuestions:   e.TotalQuestions,
			CompletedAt:      e.CompletedAt,
		})
	}

	c.JSON(200, gin.H{
		"challengeId":  challengeID,
		"leaderboard":  views,
		"totalEntries": len(views),
	})
}

func (a *API) pointsHistory(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := a.ledger.History(c.Request.Context(), who.UserID, limit)
	if err != nil {
		respondErr(c, err)
		return
	}

	type entryView struct {
		PointsChange    int       `json:"pointsChange"`
		TransactionType string    `json:"transactionType"`
		ReferenceType   string    `json:"referenceType"`
		ReferenceID     int64     `json:"referenceId"`
		Description     string    `json:"description"`
		CreatedAt       time.Time `json:"createdAt"`
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			PointsChange:    e.PointsChange,
			TransactionType: string(e.TransactionType),
			ReferenceType:   string(e.ReferenceType),
			ReferenceID:     e.ReferenceID,
			Description:     e.Description,
			CreatedAt:       e.CreatedAt,
		})
	}

	c.JSON(200, gin.H{"history": views})
}

func (a *API) upgradeGuest(c *gin.Context) {
	who, err := identity(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	if err := a.sessions.UpgradeGuest(c.Request.Context(), who.UserID); err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(200, gin.H{"upgraded": true})
}
