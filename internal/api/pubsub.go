package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dinequest/dinequest/internal/domain"
)

const maxConcurrentPublishes = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	LeaderboardUpdate struct {
		ChallengeID int64                    `json:"challengeId"`
		Entries     []LeaderboardUpdateEntry `json:"entries"`
	}

	LeaderboardUpdateEntry struct {
		Rank       int    `json:"rank"`
		Username   string `json:"username"`
		TotalScore int    `json:"totalScore"`
	}
)

// PublishLeaderboardUpdated fans a ranking change out to every user on the
// board over redis pubsub, so connected clients see live standings.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := LeaderboardUpdate{
		ChallengeID: e.ChallengeID,
		Entries:     make([]LeaderboardUpdateEntry, 0, len(e.Entries)),
	}

	for _, entry := range e.Entries {
		data.Entries = append(data.Entries, LeaderboardUpdateEntry{
			Rank:       entry.Rank,
			Username:   entry.Username,
			TotalScore: entry.TotalScore,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPublishes)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.Username, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
