package domain

const (
	EventNameSessionEnded       = "session.ended"
	EventNameChallengeCompleted = "challenge.completed"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionEnded struct {
	Session     Session
	Transferred bool
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventChallengeCompleted struct {
	Entry LeaderboardEntry
}

func (EventChallengeCompleted) Name() string { return EventNameChallengeCompleted }

type EventLeaderboardUpdated struct {
	ChallengeID int64
	Entries     []LeaderboardEntry
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
