package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"dissden/api/internal/store"
)

type AuthorRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type DenRef struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	CreatorID int64  `json:"creatorId,omitempty"`
}

type DenView struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Creator     AuthorRef `json:"creator"`
	CreatedAt   time.Time `json:"createdAt"`
	PostCount   int       `json:"postCount"`
}

type PostView struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Author       AuthorRef `json:"author"`
	Den          DenRef    `json:"den"`
	CreatedAt    time.Time `json:"createdAt"`
	Score        int       `json:"score"`
	CommentCount int       `json:"commentCount"`
	ImageURLs    []string  `json:"imageUrls"`
}

// CommentView carries the cached reply count; clients use HasReplies to decide
// whether to offer a "load replies" affordance.
type CommentView struct {
	ID              int64     `json:"id"`
	Content         string    `json:"content"`
	Author          AuthorRef `json:"author"`
	PostID          int64     `json:"postId"`
	PostTitle       string    `json:"postTitle"`
	Den             DenRef    `json:"den"`
	ParentCommentID *int64    `json:"parentCommentId"`
	CreatedAt       time.Time `json:"createdAt"`
	Score           int       `json:"score"`
	ReplyCount      int       `json:"replyCount"`
	HasReplies      bool      `json:"hasReplies"`
}

type UserView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type HistoryView struct {
	User     UserView      `json:"user"`
	Posts    []PostView    `json:"posts"`
	Comments []CommentView `json:"comments"`
}

type PostPage struct {
	Items   []PostView `json:"items"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
	HasMore bool       `json:"hasMore"`
}

type CommentPage struct {
	Items   []CommentView `json:"items"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"hasMore"`
}

// ThreadView is a post with its first page of top-level comments.
type ThreadView struct {
	Post     PostView    `json:"post"`
	Comments CommentPage `json:"comments"`
}

type VoteResult struct {
	TargetKind string `json:"targetKind"`
	TargetID   int64  `json:"targetId"`
	Direction  string `json:"direction"`
	Score      int    `json:"score"`
}

type DeleteSummary struct {
	TargetKind      string `json:"targetKind"`
	TargetID        int64  `json:"targetId"`
	CommentsRemoved int    `json:"commentsRemoved"`
}

func denView(den store.Den) DenView {
	return DenView{
		ID:          den.ID,
		Title:       den.Title,
		Description: den.Description,
		ImageURL:    den.ImageURL,
		Creator:     AuthorRef{ID: den.CreatorID, Name: den.CreatorName},
		CreatedAt:   den.CreatedAt,
		PostCount:   den.PostCount,
	}
}

func postView(post store.Post) PostView {
	images := post.ImageURLs
	if images == nil {
		images = []string{}
	}
	return PostView{
		ID:           post.ID,
		Title:        post.Title,
		Content:      post.Body,
		Author:       AuthorRef{ID: post.AuthorID, Name: post.AuthorName},
		Den:          DenRef{ID: post.DenID, Title: post.DenTitle, CreatorID: post.DenCreatorID},
		CreatedAt:    post.CreatedAt,
		Score:        post.Score,
		CommentCount: post.CommentCount,
		ImageURLs:    images,
	}
}

func commentView(comment store.Comment) CommentView {
	return CommentView{
		ID:              comment.ID,
		Content:         comment.Body,
		Author:          AuthorRef{ID: comment.AuthorID, Name: comment.AuthorName},
		PostID:          comment.PostID,
		PostTitle:       comment.PostTitle,
		Den:             DenRef{ID: comment.DenID, Title: comment.DenTitle},
		ParentCommentID: comment.ParentID,
		CreatedAt:       comment.CreatedAt,
		Score:           comment.Score,
		ReplyCount:      comment.ReplyCount,
		HasReplies:      comment.ReplyCount > 0,
	}
}

func userView(user store.User) UserView {
	return UserView{
		ID:        user.ID,
		Name:      user.DisplayName,
		AvatarURL: user.AvatarURL,
		Bio:       user.Bio,
		CreatedAt: user.CreatedAt,
	}
}

func postViews(posts []store.Post) []PostView {
	views := make([]PostView, 0, len(posts))
	for _, post := range posts {
		views = append(views, postView(post))
	}
	return views
}

func commentViews(comments []store.Comment) []CommentView {
	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, commentView(comment))
	}
	return views
}

// commentPage drops the look-ahead row fetched by lookAhead.
func commentPage(comments []store.Comment, page store.Page) CommentPage {
	hasMore := len(comments) > page.Limit
	if hasMore {
		comments = comments[:page.Limit]
	}
	return CommentPage{Items: commentViews(comments), Limit: page.Limit, Offset: page.Offset, HasMore: hasMore}
}

func postPage(posts []store.Post, page store.Page) PostPage {
	hasMore := len(posts) > page.Limit
	if hasMore {
		posts = posts[:page.Limit]
	}
	return PostPage{Items: postViews(posts), Limit: page.Limit, Offset: page.Offset, HasMore: hasMore}
}

// lookAhead asks the store for one extra row so HasMore needs no COUNT query.
func lookAhead(page store.Page) store.Page {
	return store.Page{Limit: page.Limit + 1, Offset: page.Offset}
}

func (s *Service) GetPostView(ctx context.Context, postID int64) (PostView, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return PostView{}, storeError(err, "post")
	}
	return postView(post), nil
}

func (s *Service) GetCommentView(ctx context.Context, commentID int64) (CommentView, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return CommentView{}, storeError(err, "comment")
	}
	return commentView(comment), nil
}

// GetThreadView loads a post and its first page of top-level comments
// concurrently.
func (s *Service) GetThreadView(ctx context.Context, postID int64, input PageInput) (ThreadView, error) {
	page, err := input.page()
	if err != nil {
		return ThreadView{}, err
	}

	var post store.Post
	var comments []store.Comment
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		loaded, err := s.store.GetPost(groupCtx, postID)
		post = loaded
		return err
	})
	group.Go(func() error {
		loaded, err := s.store.ListTopLevelComments(groupCtx, postID, lookAhead(page))
		comments = loaded
		return err
	})
	if err := group.Wait(); err != nil {
		return ThreadView{}, storeError(err, "post")
	}
	return ThreadView{Post: postView(post), Comments: commentPage(comments, page)}, nil
}

// GetAggregatedView returns the read-side projection of a post or comment.
func (s *Service) GetAggregatedView(ctx context.Context, kind string, targetID int64) (any, error) {
	targetKind, err := parseTargetKind(kind)
	if err != nil {
		return nil, err
	}
	if targetKind == store.TargetPost {
		return s.GetPostView(ctx, targetID)
	}
	return s.GetCommentView(ctx, targetID)
}
