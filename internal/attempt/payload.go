package attempt

import (
	"github.com/dinequest/dinequest/internal/domain"
	"github.com/dinequest/dinequest/internal/errors"
)

// Payload is the submission body. Exactly one variant must be set; which one
// is legal depends on the challenge type, so validation happens before any
// state is touched.
type Payload struct {
	Quiz      *QuizPayload      `json:"quiz,omitempty"`
	Moderator *ModeratorPayload `json:"moderator,omitempty"`
}

type QuizPayload struct {
	Answers     []QuizAnswer `json:"answers"`
	TotalTimeMs int64        `json:"totalTimeMs"`
}

type QuizAnswer struct {
	QuestionID       int64 `json:"questionId"`
	SelectedOptionID int64 `json:"selectedOptionId"`
	ResponseTimeMs   int64 `json:"responseTimeMs"`
}

// ModeratorPayload carries the staff-issued code verifying a real-world
// completion (purchase, photo, checkin, ...).
type ModeratorPayload struct {
	Code           string `json:"moderatorCode"`
	SubmissionType string `json:"submissionType"`
}

func (p Payload) validate(challengeType domain.ChallengeType) error {
	switch {
	case p.Quiz != nil && p.Moderator != nil:
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("payload must carry either quiz answers or a moderator code, not both"))

	case challengeType == domain.ChallengeQuiz:
		if p.Quiz == nil {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("quiz challenge requires quiz answers"))
		}
		if len(p.Quiz.Answers) == 0 || p.Quiz.TotalTimeMs <= 0 {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("quiz submission requires answers and a total time"))
		}

	default:
		if p.Moderator == nil {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("%s challenge requires a moderator code", challengeType))
		}
		if p.Moderator.Code == "" || p.Moderator.SubmissionType == "" {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("moderator code and submission type required"))
		}
	}

	return nil
}
