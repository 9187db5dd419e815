package app

import (
	"context"

	"go.uber.org/zap"

	"dissden/api/internal/rbac"
	"dissden/api/internal/search"
	"dissden/api/internal/store"
)

const maxCommentLength = 10000

type AddCommentInput struct {
	PostID          int64  `json:"postId"`
	Content         string `json:"content"`
	ParentCommentID *int64 `json:"parentCommentId"`
}

type EditCommentInput struct {
	Content string `json:"content"`
}

func commentBody(raw string) (string, error) {
	body := cleanText(raw)
	if body == "" {
		return "", errValidation("content is required")
	}
	if tooLong(body, maxCommentLength) {
		return "", errValidation("content must be at most 10000 characters")
	}
	return body, nil
}

// authorizer builds the ownership check the store runs inside its
// transaction, after the target row is locked.
func (s *Service) authorizer(actorID int64, target string) store.Authorizer {
	return func(owner rbac.Ownership) error {
		decision := rbac.CanMutate(actorID, owner)
		if decision.Allowed {
			return nil
		}
		s.metrics.AuthzDenied(target)
		s.log.Info("mutation denied",
			zap.String("target", target),
			zap.Int64("actor_id", actorID),
			zap.Int64("author_id", owner.AuthorID),
		)
		return errForbidden("only the author or the den creator may change this " + target)
	}
}

// AddComment attaches a comment to a post, or a reply to a comment on the
// same post. Replies bump the parent's reply count atomically with the insert.
// The call is not retried: a lost commit acknowledgement would duplicate it.
func (s *Service) AddComment(ctx context.Context, authorID int64, input AddCommentInput) (CommentView, error) {
	if authorID <= 0 {
		return CommentView{}, errUnauthorized()
	}
	if input.PostID <= 0 {
		return CommentView{}, errValidation("postId is required")
	}
	body, err := commentBody(input.Content)
	if err != nil {
		return CommentView{}, err
	}

	created, err := s.store.InsertComment(ctx, store.Comment{
		PostID:   input.PostID,
		ParentID: input.ParentCommentID,
		AuthorID: authorID,
		Body:     body,
	})
	if err != nil {
		what := "post"
		if input.ParentCommentID != nil {
			what = "post or parent comment"
		}
		return CommentView{}, storeError(err, what)
	}

	s.metrics.CommentCreated(created.ParentID != nil)
	s.search.IndexComment(commentRecord(created))
	return commentView(created), nil
}

func (s *Service) ListTopLevelComments(ctx context.Context, postID int64, input PageInput) (CommentPage, error) {
	page, err := input.page()
	if err != nil {
		return CommentPage{}, err
	}
	comments, err := s.store.ListTopLevelComments(ctx, postID, lookAhead(page))
	if err != nil {
		return CommentPage{}, storeError(err, "post")
	}
	return commentPage(comments, page), nil
}

func (s *Service) ListReplies(ctx context.Context, commentID int64, input PageInput) (CommentPage, error) {
	page, err := input.page()
	if err != nil {
		return CommentPage{}, err
	}
	replies, err := s.store.ListReplies(ctx, commentID, lookAhead(page))
	if err != nil {
		return CommentPage{}, storeError(err, "comment")
	}
	return commentPage(replies, page), nil
}

func (s *Service) EditComment(ctx context.Context, actorID, commentID int64, input EditCommentInput) (CommentView, error) {
	if actorID <= 0 {
		return CommentView{}, errUnauthorized()
	}
	body, err := commentBody(input.Content)
	if err != nil {
		return CommentView{}, err
	}
	updated, err := s.store.UpdateComment(ctx, commentID, body, s.authorizer(actorID, "comment"))
	if err != nil {
		return CommentView{}, storeError(err, "comment")
	}
	s.search.IndexComment(commentRecord(updated))
	return commentView(updated), nil
}

// DeleteComment removes a comment with its reply subtree. Only the comment's
// author or the creator of the den it lives in may do so.
func (s *Service) DeleteComment(ctx context.Context, actorID, commentID int64) (DeleteSummary, error) {
	if actorID <= 0 {
		return DeleteSummary{}, errUnauthorized()
	}
	result, err := s.store.DeleteComment(ctx, commentID, s.authorizer(actorID, "comment"))
	if err != nil {
		return DeleteSummary{}, storeError(err, "comment")
	}

	s.metrics.CommentsRemoved(len(result.CommentIDs))
	s.search.DeleteComments(result.CommentIDs)
	return DeleteSummary{
		TargetKind:      string(store.TargetComment),
		TargetID:        commentID,
		CommentsRemoved: len(result.CommentIDs),
	}, nil
}

func commentRecord(comment store.Comment) search.CommentRecord {
	return search.CommentRecord{
		ID:        comment.ID,
		PostID:    comment.PostID,
		DenID:     comment.DenID,
		PostTitle: comment.PostTitle,
		Body:      comment.Body,
	}
}
