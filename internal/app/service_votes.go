package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"dissden/api/internal/store"
)

// VoteInput accepts either a direction string or the legacy upvote flag.
type VoteInput struct {
	Direction string `json:"direction"`
	Upvote    *bool  `json:"upvote"`
}

func (in VoteInput) value() (int, error) {
	switch strings.ToLower(strings.TrimSpace(in.Direction)) {
	case "up":
		return 1, nil
	case "down":
		return -1, nil
	case "":
	default:
		return 0, errValidation("direction must be up or down")
	}
	if in.Upvote == nil {
		return 0, errValidation("direction is required")
	}
	if *in.Upvote {
		return 1, nil
	}
	return -1, nil
}

func parseTargetKind(kind string) (store.TargetKind, error) {
	switch store.TargetKind(kind) {
	case store.TargetPost, store.TargetComment:
		return store.TargetKind(kind), nil
	default:
		return "", errValidation("target must be post or comment")
	}
}

func directionName(direction int) string {
	if direction > 0 {
		return "up"
	}
	return "down"
}

// CastVote records the voter's single vote on a post or comment and returns
// the target's score afterwards. Repeating a vote is a no-op and the opposite
// direction replaces the earlier one. Transient store failures are retried
// because the upsert is idempotent.
func (s *Service) CastVote(ctx context.Context, voterID int64, kind string, targetID int64, input VoteInput) (VoteResult, error) {
	if voterID <= 0 {
		return VoteResult{}, errUnauthorized()
	}
	targetKind, err := parseTargetKind(kind)
	if err != nil {
		return VoteResult{}, err
	}
	direction, err := input.value()
	if err != nil {
		return VoteResult{}, err
	}

	var score int
	onRetry := func(attempt int, err error) {
		s.metrics.VoteRetried()
		s.log.Warn("retrying vote",
			zap.String("target", string(targetKind)),
			zap.Int64("target_id", targetID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	err = retryTransient(ctx, s.cfg.VoteRetryAttempts, s.voteBackoff, onRetry, func() error {
		var castErr error
		score, castErr = s.store.CastVote(ctx, targetKind, targetID, voterID, direction)
		return castErr
	})
	if err != nil {
		return VoteResult{}, storeError(err, string(targetKind))
	}

	s.metrics.VoteCast(string(targetKind), direction)
	return VoteResult{
		TargetKind: string(targetKind),
		TargetID:   targetID,
		Direction:  directionName(direction),
		Score:      score,
	}, nil
}
