package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// engine is the primary index: searchable and writable.
type engine interface {
	Searcher
	IndexDens([]DenRecord) error
	IndexPosts([]PostRecord) error
	IndexComments([]CommentRecord) error
	DeleteDocuments(ResultType, []int64) error
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]DenRecord, []PostRecord, []CommentRecord, error)
}

// Service tries Meilisearch first and falls back to Postgres full-text
// search. Index writes are asynchronous and never fail the caller.
type Service struct {
	primary  engine
	fallback Searcher
	loader   recordLoader
	log      *zap.Logger
	pending  sync.WaitGroup
}

// NewService builds the facade. meili may be nil when Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.Logger) *Service {
	s := &Service{log: log.Named("search")}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) async(op string, fn func() error) {
	if !s.primaryReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(); err != nil {
			s.log.Warn("index write failed", zap.String("op", op), zap.Error(err))
		}
	}()
}

func (s *Service) IndexDen(d DenRecord) {
	s.async("index den", func() error { return s.primary.IndexDens([]DenRecord{d}) })
}

func (s *Service) IndexPost(p PostRecord) {
	s.async("index post", func() error { return s.primary.IndexPosts([]PostRecord{p}) })
}

func (s *Service) IndexComment(c CommentRecord) {
	s.async("index comment", func() error { return s.primary.IndexComments([]CommentRecord{c}) })
}

func (s *Service) DeletePost(id int64) {
	s.async("delete post", func() error { return s.primary.DeleteDocuments(ResultPost, []int64{id}) })
}

func (s *Service) DeleteComments(ids []int64) {
	if len(ids) == 0 {
		return
	}
	s.async("delete comments", func() error { return s.primary.DeleteDocuments(ResultComment, ids) })
}

// ReindexAllFromPG pushes every den, post and comment into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryReady() || s.loader == nil {
		return
	}
	dens, posts, comments, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.primary.IndexDens(dens); err != nil {
		s.log.Warn("reindex dens", zap.Error(err))
	}
	if err := s.primary.IndexPosts(posts); err != nil {
		s.log.Warn("reindex posts", zap.Error(err))
	}
	if err := s.primary.IndexComments(comments); err != nil {
		s.log.Warn("reindex comments", zap.Error(err))
	}
	s.log.Info("reindexed", zap.Int("dens", len(dens)), zap.Int("posts", len(posts)), zap.Int("comments", len(comments)))
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
