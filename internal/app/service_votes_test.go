package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"dissden/api/internal/store"
)

func up() VoteInput   { return VoteInput{Direction: "up"} }
func down() VoteInput { return VoteInput{Direction: "down"} }

func TestCastVoteRepeatedIsNoOp(t *testing.T) {
	svc := newTestService(t, newMemStore())
	w := seedWorld(t, svc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := svc.CastVote(ctx, w.stranger.ID, "post", w.post.ID, up())
		if err != nil {
			t.Fatalf("CastVote() error = %v", err)
		}
		if result.Score != 1 {
			t.Fatalf("vote %d: score = %d, want 1", i+1, result.Score)
		}
	}
}

func TestCastVoteFlipMovesScoreByTwo(t *testing.T) {
	svc := newTestService(t, newMemStore())
	w := seedWorld(t, svc)
	ctx := context.Background()

	first, err := svc.CastVote(ctx, w.stranger.ID, "post", w.post.ID, up())
	if err != nil {
		t.Fatalf("CastVote(up) error = %v", err)
	}
	flipped, err := svc.CastVote(ctx, w.stranger.ID, "post", w.post.ID, VoteInput{Upvote: new(bool)})
	if err != nil {
		t.Fatalf("CastVote(down) error = %v", err)
	}
	if first.Score-flipped.Score != 2 {
		t.Fatalf("score moved from %d to %d, want a change of 2", first.Score, flipped.Score)
	}
	if flipped.Direction != "down" {
		t.Fatalf("Direction = %q, want down", flipped.Direction)
	}
}

func TestCastVoteConcurrentDistinctVotersAllPersist(t *testing.T) {
	fs := newMemStore()
	svc := newTestService(t, fs)
	w := seedWorld(t, svc)
	ctx := context.Background()

	comment, err := svc.AddComment(ctx, w.commenter.ID, AddCommentInput{PostID: w.post.ID, Content: "vote on me"})
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}

	const voters = 25
	var group errgroup.Group
	for i := 0; i < voters; i++ {
		user, err := fs.EnsureUserByName(ctx, fmt.Sprintf("voter-%d", i))
		if err != nil {
			t.Fatalf("EnsureUserByName() error = %v", err)
		}
		group.Go(func() error {
			_, err := svc.CastVote(ctx, user.ID, "comment", comment.ID, up())
			return err
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent CastVote() error = %v", err)
	}

	view, err := svc.GetCommentView(ctx, comment.ID)
	if err != nil {
		t.Fatalf("GetCommentView() error = %v", err)
	}
	if view.Score != voters {
		t.Fatalf("Score = %d, want %d", view.Score, voters)
	}
}

func TestCastVoteConcurrentMixedDirections(t *testing.T) {
	svc := newTestService(t, newMemStore())
	w := seedWorld(t, svc)
	ctx := context.Background()

	votes := []struct {
		voterID int64
		input   VoteInput
	}{
		{w.commenter.ID, up()},
		{w.replier.ID, up()},
		{w.stranger.ID, down()},
	}
	var group errgroup.Group
	for _, vote := range votes {
		group.Go(func() error {
			_, err := svc.CastVote(ctx, vote.voterID, "post", w.post.ID, vote.input)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent CastVote() error = %v", err)
	}

	view, err := svc.GetPostView(ctx, w.post.ID)
	if err != nil {
		t.Fatalf("GetPostView() error = %v", err)
	}
	if view.Score != 1 {
		t.Fatalf("Score = %d, want 1", view.Score)
	}
}

func TestCastVoteValidation(t *testing.T) {
	svc := newTestService(t, newMemStore())
	w := seedWorld(t, svc)

	tests := []struct {
		name     string
		voterID  int64
		kind     string
		targetID int64
		input    VoteInput
		code     string
	}{
		{"anonymous", 0, "post", w.post.ID, up(), "UNAUTHORIZED"},
		{"unknown kind", w.stranger.ID, "den", w.post.ID, up(), "VALIDATION_ERROR"},
		{"bad direction", w.stranger.ID, "post", w.post.ID, VoteInput{Direction: "sideways"}, "VALIDATION_ERROR"},
		{"missing direction", w.stranger.ID, "post", w.post.ID, VoteInput{}, "VALIDATION_ERROR"},
		{"missing post", w.stranger.ID, "post", 9999, up(), "NOT_FOUND"},
		{"missing comment", w.stranger.ID, "comment", 9999, up(), "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CastVote(context.Background(), tt.voterID, tt.kind, tt.targetID, tt.input)
			assertCode(t, err, tt.code)
		})
	}
}

func TestCastVoteRetriesTransientFailures(t *testing.T) {
	fs := newMemStore()
	svc := newTestService(t, fs)
	w := seedWorld(t, svc)

	var calls atomic.Int32
	fs.castVoteFn = func(_ context.Context, kind store.TargetKind, targetID, voterID int64, direction int) (int, error) {
		if calls.Add(1) < 3 {
			return 0, &pgconn.PgError{Code: "40001"}
		}
		return fs.castVote(kind, targetID, voterID, direction)
	}

	result, err := svc.CastVote(context.Background(), w.stranger.ID, "post", w.post.ID, up())
	if err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("store calls = %d, want 3", calls.Load())
	}
	if result.Score != 1 {
		t.Fatalf("Score = %d, want 1", result.Score)
	}
}

func TestCastVoteDoesNotRetryPermanentFailures(t *testing.T) {
	fs := newMemStore()
	svc := newTestService(t, fs)
	w := seedWorld(t, svc)

	boom := errors.New("constraint violated")
	var calls atomic.Int32
	fs.castVoteFn = func(context.Context, store.TargetKind, int64, int64, int) (int, error) {
		calls.Add(1)
		return 0, boom
	}

	_, err := svc.CastVote(context.Background(), w.stranger.ID, "post", w.post.ID, up())
	if !errors.Is(err, boom) {
		t.Fatalf("CastVote() error = %v, want %v", err, boom)
	}
	if calls.Load() != 1 {
		t.Fatalf("store calls = %d, want 1", calls.Load())
	}
}

func TestCastVoteGivesUpAfterConfiguredAttempts(t *testing.T) {
	fs := newMemStore()
	svc := newTestService(t, fs)
	svc.cfg.VoteRetryAttempts = 2
	w := seedWorld(t, svc)

	var calls atomic.Int32
	fs.castVoteFn = func(context.Context, store.TargetKind, int64, int64, int) (int, error) {
		calls.Add(1)
		return 0, &pgconn.PgError{Code: "40P01"}
	}

	if _, err := svc.CastVote(context.Background(), w.stranger.ID, "post", w.post.ID, up()); err == nil {
		t.Fatal("CastVote() error = nil, want deadlock error")
	}
	if calls.Load() != 2 {
		t.Fatalf("store calls = %d, want 2", calls.Load())
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("error = %v, want DomainError with code %s", err, code)
	}
	if domainErr.Code != code {
		t.Fatalf("code = %s, want %s (message %q)", domainErr.Code, code, domainErr.Message)
	}
}
