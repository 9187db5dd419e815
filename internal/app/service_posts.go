package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dissden/api/internal/blob"
	"dissden/api/internal/rbac"
	"dissden/api/internal/search"
	"dissden/api/internal/store"
)

const (
	maxDenTitle       = 100
	maxDescription    = 2000
	maxPostTitle      = 300
	maxPostBody       = 40000
	maxImagesPerPost  = 10
	blobCleanupBudget = 30 * time.Second
)

type CreateDenInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
}

type CreatePostInput struct {
	DenID     int64    `json:"denId"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	ImageURLs []string `json:"imageUrls"`
}

type EditPostInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ImageUpload is one file of a multipart upload.
type ImageUpload struct {
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

type SearchInput struct {
	Text   string
	Type   string
	DenID  int64
	Limit  int
	Offset int
}

func validURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func (s *Service) CreateDen(ctx context.Context, creatorID int64, input CreateDenInput) (DenView, error) {
	if creatorID <= 0 {
		return DenView{}, errUnauthorized()
	}
	title := cleanText(input.Title)
	if len([]rune(title)) < 3 || tooLong(title, maxDenTitle) {
		return DenView{}, errValidation("title must be between 3 and 100 characters")
	}
	description := cleanText(input.Description)
	if tooLong(description, maxDescription) {
		return DenView{}, errValidation("description must be at most 2000 characters")
	}
	imageURL := strings.TrimSpace(input.ImageURL)
	if imageURL != "" && !validURL(imageURL) {
		return DenView{}, errValidation("imageUrl must be an http(s) URL")
	}

	den, err := s.store.InsertDen(ctx, store.Den{
		Title:       title,
		Description: description,
		ImageURL:    imageURL,
		CreatorID:   creatorID,
	})
	if err != nil {
		return DenView{}, storeError(err, "user")
	}
	s.search.IndexDen(search.DenRecord{ID: den.ID, Title: den.Title, Description: den.Description})
	return denView(den), nil
}

func (s *Service) ListDens(ctx context.Context) ([]DenView, error) {
	dens, err := s.store.ListDens(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]DenView, 0, len(dens))
	for _, den := range dens {
		views = append(views, denView(den))
	}
	return views, nil
}

func (s *Service) GetDenView(ctx context.Context, denID int64) (DenView, error) {
	den, err := s.store.GetDen(ctx, denID)
	if err != nil {
		return DenView{}, storeError(err, "den")
	}
	return denView(den), nil
}

func (s *Service) ListPostsByDen(ctx context.Context, denID int64, input PageInput) (PostPage, error) {
	page, err := input.page()
	if err != nil {
		return PostPage{}, err
	}
	if _, err := s.store.GetDen(ctx, denID); err != nil {
		return PostPage{}, storeError(err, "den")
	}
	posts, err := s.store.ListPostsByDen(ctx, denID, lookAhead(page))
	if err != nil {
		return PostPage{}, err
	}
	return postPage(posts, page), nil
}

func (s *Service) ListRecentPosts(ctx context.Context, input PageInput) (PostPage, error) {
	page, err := input.page()
	if err != nil {
		return PostPage{}, err
	}
	posts, err := s.store.ListRecentPosts(ctx, lookAhead(page))
	if err != nil {
		return PostPage{}, err
	}
	return postPage(posts, page), nil
}

func postFields(rawTitle, rawBody string) (string, string, error) {
	title := cleanText(rawTitle)
	if title == "" {
		return "", "", errValidation("title is required")
	}
	if tooLong(title, maxPostTitle) {
		return "", "", errValidation("title must be at most 300 characters")
	}
	body := cleanText(rawBody)
	if tooLong(body, maxPostBody) {
		return "", "", errValidation("content must be at most 40000 characters")
	}
	return title, body, nil
}

func (s *Service) CreatePost(ctx context.Context, authorID int64, input CreatePostInput) (PostView, error) {
	if authorID <= 0 {
		return PostView{}, errUnauthorized()
	}
	if input.DenID <= 0 {
		return PostView{}, errValidation("denId is required")
	}
	title, body, err := postFields(input.Title, input.Content)
	if err != nil {
		return PostView{}, err
	}
	if len(input.ImageURLs) > maxImagesPerPost {
		return PostView{}, errValidation("a post can carry at most 10 images")
	}
	images := make([]string, 0, len(input.ImageURLs))
	for _, raw := range input.ImageURLs {
		imageURL := strings.TrimSpace(raw)
		if !validURL(imageURL) {
			return PostView{}, errValidation("imageUrls must be http(s) URLs")
		}
		images = append(images, imageURL)
	}

	post, err := s.store.InsertPost(ctx, store.Post{
		DenID:     input.DenID,
		AuthorID:  authorID,
		Title:     title,
		Body:      body,
		ImageURLs: images,
	})
	if err != nil {
		return PostView{}, storeError(err, "den")
	}
	s.search.IndexPost(postRecord(post))
	return postView(post), nil
}

func (s *Service) EditPost(ctx context.Context, actorID, postID int64, input EditPostInput) (PostView, error) {
	if actorID <= 0 {
		return PostView{}, errUnauthorized()
	}
	title, body, err := postFields(input.Title, input.Content)
	if err != nil {
		return PostView{}, err
	}
	updated, err := s.store.UpdatePost(ctx, postID, title, body, s.authorizer(actorID, "post"))
	if err != nil {
		return PostView{}, storeError(err, "post")
	}
	s.search.IndexPost(postRecord(updated))
	return postView(updated), nil
}

// DeletePost removes a post together with every comment under it. Image
// objects are removed from the bucket after the rows are gone.
func (s *Service) DeletePost(ctx context.Context, actorID, postID int64) (DeleteSummary, error) {
	if actorID <= 0 {
		return DeleteSummary{}, errUnauthorized()
	}
	result, err := s.store.DeletePost(ctx, postID, s.authorizer(actorID, "post"))
	if err != nil {
		return DeleteSummary{}, storeError(err, "post")
	}

	s.metrics.PostRemoved()
	s.metrics.CommentsRemoved(len(result.CommentIDs))
	s.search.DeletePost(postID)
	s.search.DeleteComments(result.CommentIDs)
	s.removeBlobs(ctx, result.ImageURLs)

	return DeleteSummary{
		TargetKind:      string(store.TargetPost),
		TargetID:        postID,
		CommentsRemoved: len(result.CommentIDs),
	}, nil
}

// removeBlobs deletes bucket objects. Failures only leave orphaned objects,
// so they are logged and not returned.
func (s *Service) removeBlobs(ctx context.Context, urls []string) {
	if s.blobs == nil || len(urls) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), blobCleanupBudget)
	defer cancel()
	for _, imageURL := range urls {
		if err := s.blobs.Delete(cleanupCtx, imageURL); err != nil {
			s.log.Warn("delete image object", zap.String("url", imageURL), zap.Error(err))
		}
	}
}

// UploadPostImages stores files in the bucket and appends them to the post.
// Only the post author may attach images.
func (s *Service) UploadPostImages(ctx context.Context, actorID, postID int64, files []ImageUpload) (PostView, error) {
	if actorID <= 0 {
		return PostView{}, errUnauthorized()
	}
	if s.blobs == nil {
		return PostView{}, domainError(http.StatusServiceUnavailable, "IMAGE_STORAGE_UNAVAILABLE", "Image storage is not configured", nil)
	}
	if len(files) == 0 {
		return PostView{}, errValidation("at least one file is required")
	}

	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return PostView{}, storeError(err, "post")
	}
	if post.AuthorID != actorID {
		s.metrics.AuthzDenied("post")
		return PostView{}, errForbidden("only the post author may add images")
	}
	if len(post.ImageURLs)+len(files) > maxImagesPerPost {
		return PostView{}, errValidation("a post can carry at most 10 images")
	}
	for _, file := range files {
		if !blob.AllowedImageType(file.ContentType) {
			return PostView{}, errValidation("unsupported image type " + file.ContentType)
		}
		if s.cfg.MaxUploadBytes > 0 && file.Size > s.cfg.MaxUploadBytes {
			return PostView{}, errValidation("image exceeds the upload size limit")
		}
	}

	urls := make([]string, 0, len(files))
	for _, file := range files {
		stored, err := s.putImage(ctx, file)
		if err != nil {
			s.removeBlobs(ctx, urls)
			return PostView{}, err
		}
		urls = append(urls, stored)
	}

	authorOnly := func(owner rbac.Ownership) error {
		if owner.AuthorID != actorID {
			return errForbidden("only the post author may add images")
		}
		return nil
	}
	updated, err := s.store.AddPostImages(ctx, postID, urls, authorOnly)
	if err != nil {
		s.removeBlobs(ctx, urls)
		return PostView{}, storeError(err, "post")
	}
	return postView(updated), nil
}

func (s *Service) putImage(ctx context.Context, file ImageUpload) (string, error) {
	reader, err := file.Open()
	if err != nil {
		return "", err
	}
	defer reader.Close()

	stored, err := s.blobs.Put(ctx, file.ContentType, reader, file.Size)
	if err != nil {
		if errors.Is(err, blob.ErrUnsupportedType) {
			return "", errValidation("unsupported image type " + file.ContentType)
		}
		return "", err
	}
	return stored, nil
}

func (s *Service) GetUser(ctx context.Context, userID int64) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return UserView{}, storeError(err, "user")
	}
	return userView(user), nil
}

// UserHistory loads a user's posts and comments, newest first.
func (s *Service) UserHistory(ctx context.Context, userID int64, input PageInput) (HistoryView, error) {
	page, err := input.page()
	if err != nil {
		return HistoryView{}, err
	}

	var user store.User
	var posts []store.Post
	var comments []store.Comment
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		loaded, err := s.store.GetUserByID(groupCtx, userID)
		user = loaded
		return err
	})
	group.Go(func() error {
		loaded, err := s.store.ListPostsByAuthor(groupCtx, userID, page)
		posts = loaded
		return err
	})
	group.Go(func() error {
		loaded, err := s.store.ListCommentsByAuthor(groupCtx, userID, page)
		comments = loaded
		return err
	})
	if err := group.Wait(); err != nil {
		return HistoryView{}, storeError(err, "user")
	}

	return HistoryView{
		User:     userView(user),
		Posts:    postViews(posts),
		Comments: commentViews(comments),
	}, nil
}

func (s *Service) Search(ctx context.Context, input SearchInput) (search.Response, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return search.Response{}, errValidation("q is required")
	}
	resultType, ok := search.ParseResultType(input.Type)
	if !ok {
		return search.Response{}, errValidation("type must be den, post or comment")
	}
	page, err := PageInput{Limit: input.Limit, Offset: input.Offset}.page()
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, search.Query{
		Text:        text,
		FilterType:  resultType,
		FilterDenID: input.DenID,
		Limit:       page.Limit,
		Offset:      page.Offset,
	}), nil
}

func postRecord(post store.Post) search.PostRecord {
	return search.PostRecord{ID: post.ID, DenID: post.DenID, Title: post.Title, Body: post.Body}
}
