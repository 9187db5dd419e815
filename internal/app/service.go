package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"dissden/api/internal/auth"
	"dissden/api/internal/config"
	"dissden/api/internal/metrics"
	"dissden/api/internal/search"
	"dissden/api/internal/session"
	"dissden/api/internal/store"
	"dissden/api/internal/util"
)

const maxDisplayName = 50

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)

	InsertDen(context.Context, store.Den) (store.Den, error)
	GetDen(context.Context, int64) (store.Den, error)
	ListDens(context.Context) ([]store.Den, error)

	InsertPost(context.Context, store.Post) (store.Post, error)
	GetPost(context.Context, int64) (store.Post, error)
	ListPostsByDen(context.Context, int64, store.Page) ([]store.Post, error)
	ListPostsByAuthor(context.Context, int64, store.Page) ([]store.Post, error)
	ListRecentPosts(context.Context, store.Page) ([]store.Post, error)
	AddPostImages(context.Context, int64, []string, store.Authorizer) (store.Post, error)
	UpdatePost(context.Context, int64, string, string, store.Authorizer) (store.Post, error)
	DeletePost(context.Context, int64, store.Authorizer) (store.DeleteResult, error)

	CastVote(context.Context, store.TargetKind, int64, int64, int) (int, error)

	InsertComment(context.Context, store.Comment) (store.Comment, error)
	GetComment(context.Context, int64) (store.Comment, error)
	ListTopLevelComments(context.Context, int64, store.Page) ([]store.Comment, error)
	ListReplies(context.Context, int64, store.Page) ([]store.Comment, error)
	ListCommentsByAuthor(context.Context, int64, store.Page) ([]store.Comment, error)
	UpdateComment(context.Context, int64, string, store.Authorizer) (store.Comment, error)
	DeleteComment(context.Context, int64, store.Authorizer) (store.DeleteResult, error)
	ReconcileReplyCounts(context.Context) (int64, error)
}

type sessionStore interface {
	Ping(context.Context) error
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	ConsumeRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexDen(search.DenRecord)
	IndexPost(search.PostRecord)
	IndexComment(search.CommentRecord)
	DeletePost(int64)
	DeleteComments([]int64)
	ReindexAllFromPG(context.Context)
}

type noopSearch struct{}

func (noopSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (noopSearch) IndexDen(search.DenRecord)         {}
func (noopSearch) IndexPost(search.PostRecord)       {}
func (noopSearch) IndexComment(search.CommentRecord) {}
func (noopSearch) DeletePost(int64)                  {}
func (noopSearch) DeleteComments([]int64)            {}
func (noopSearch) ReindexAllFromPG(context.Context)  {}

type blobStore interface {
	Put(ctx context.Context, contentType string, r io.Reader, size int64) (string, error)
	Delete(ctx context.Context, url string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   searchIndex
	blobs    blobStore
	metrics  *metrics.Metrics
	log      *zap.Logger

	voteBackoff time.Duration
}

// Deps carries the collaborators main wires into the service. Blobs may be
// nil when image storage is not configured.
type Deps struct {
	Store    *store.PostgresStore
	Sessions *session.RedisStore
	Search   *search.Service
	Blobs    blobStore
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	svc := &Service{
		cfg:         cfg,
		store:       deps.Store,
		sessions:    deps.Sessions,
		metrics:     deps.Metrics,
		log:         deps.Log,
		voteBackoff: 25 * time.Millisecond,
	}
	if deps.Search != nil {
		svc.search = deps.Search
	} else {
		svc.search = noopSearch{}
	}
	if deps.Blobs != nil {
		svc.blobs = deps.Blobs
	}
	if svc.log == nil {
		svc.log = zap.NewNop()
	}
	return svc
}

// Bootstrap fills the search index from Postgres.
func (s *Service) Bootstrap(ctx context.Context) {
	s.search.ReindexAllFromPG(ctx)
}

// ReadinessChecks pings every backend the API cannot serve without.
func (s *Service) ReadinessChecks(ctx context.Context) map[string]error {
	return map[string]error{
		"database": s.store.Ping(ctx),
		"sessions": s.sessions.Ping(ctx),
	}
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, errValidation("name is required")
	}
	if tooLong(userName, maxDisplayName) {
		return Session{}, errValidation("name must be at most 50 characters")
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token. The old token is consumed atomically so a
// replayed token cannot mint a second session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, errUnauthorized()
	}
	saved, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return Session{}, errUnauthorized()
		}
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, saved.ID)
	if err != nil {
		return Session{}, storeError(err, "user")
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if isNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, current Session, refreshToken string) error {
	if current.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, current.JTI, current.ExpiresAt); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ReconcileReplyCounts repairs cached reply counts that drifted from the
// actual number of children.
func (s *Service) ReconcileReplyCounts(ctx context.Context) (int64, error) {
	repaired, err := s.store.ReconcileReplyCounts(ctx)
	if err != nil {
		return 0, err
	}
	if repaired > 0 {
		s.log.Warn("repaired reply counts", zap.Int64("rows", repaired))
		s.metrics.ReplyCountsRepaired(repaired)
	}
	return repaired, nil
}

// RunReconciler calls ReconcileReplyCounts every interval until ctx ends.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReconcileReplyCounts(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("reconcile reply counts", zap.Error(err))
			}
		}
	}
}
