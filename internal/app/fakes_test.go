package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dissden/api/internal/config"
	"dissden/api/internal/metrics"
	"dissden/api/internal/rbac"
	"dissden/api/internal/search"
	"dissden/api/internal/session"
	"dissden/api/internal/store"
)

type voteKey struct {
	kind   store.TargetKind
	target int64
	voter  int64
}

// memStore is a stateful dataStore. Every mutation runs under one mutex, which
// gives it the same all-or-nothing behaviour as a store transaction.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	epoch    time.Time
	users    map[int64]store.User
	dens     map[int64]store.Den
	posts    map[int64]store.Post
	comments map[int64]store.Comment
	votes    map[voteKey]int

	pingFn     func(context.Context) error
	castVoteFn func(ctx context.Context, kind store.TargetKind, targetID, voterID int64, direction int) (int, error)
}

func newMemStore() *memStore {
	return &memStore{
		epoch:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		users:    make(map[int64]store.User),
		dens:     make(map[int64]store.Den),
		posts:    make(map[int64]store.Post),
		comments: make(map[int64]store.Comment),
		votes:    make(map[voteKey]int),
	}
}

func (m *memStore) id() (int64, time.Time) {
	m.nextID++
	return m.nextID, m.epoch.Add(time.Duration(m.nextID) * time.Second)
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	id, now := m.id()
	user := store.User{ID: id, DisplayName: name, CreatedAt: now}
	m.users[id] = user
	return user, nil
}

func (m *memStore) GetUserByID(_ context.Context, userID int64) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) InsertDen(_ context.Context, den store.Den) (store.Den, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[den.CreatorID]; !ok {
		return store.Den{}, fmt.Errorf("insert den: unknown creator %d", den.CreatorID)
	}
	for _, existing := range m.dens {
		if existing.Title == den.Title {
			return store.Den{}, store.ErrDuplicateTitle
		}
	}
	den.ID, den.CreatedAt = m.id()
	m.dens[den.ID] = den
	return m.denLocked(den.ID), nil
}

func (m *memStore) denLocked(denID int64) store.Den {
	den := m.dens[denID]
	den.CreatorName = m.users[den.CreatorID].DisplayName
	den.PostCount = 0
	for _, post := range m.posts {
		if post.DenID == denID {
			den.PostCount++
		}
	}
	return den
}

func (m *memStore) GetDen(_ context.Context, denID int64) (store.Den, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dens[denID]; !ok {
		return store.Den{}, sql.ErrNoRows
	}
	return m.denLocked(denID), nil
}

func (m *memStore) ListDens(context.Context) ([]store.Den, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dens := make([]store.Den, 0, len(m.dens))
	for id := range m.dens {
		dens = append(dens, m.denLocked(id))
	}
	sort.Slice(dens, func(i, j int) bool { return dens[i].ID > dens[j].ID })
	return dens, nil
}

func (m *memStore) InsertPost(_ context.Context, post store.Post) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dens[post.DenID]; !ok {
		return store.Post{}, sql.ErrNoRows
	}
	post.ID, post.CreatedAt = m.id()
	post.ImageURLs = append([]string{}, post.ImageURLs...)
	m.posts[post.ID] = post
	return m.postLocked(post.ID), nil
}

func (m *memStore) postLocked(postID int64) store.Post {
	post := m.posts[postID]
	den := m.dens[post.DenID]
	post.DenTitle = den.Title
	post.DenCreatorID = den.CreatorID
	post.AuthorName = m.users[post.AuthorID].DisplayName
	post.Score = m.scoreLocked(store.TargetPost, postID)
	post.CommentCount = 0
	for _, comment := range m.comments {
		if comment.PostID == postID {
			post.CommentCount++
		}
	}
	post.ImageURLs = append([]string{}, post.ImageURLs...)
	return post
}

func (m *memStore) scoreLocked(kind store.TargetKind, targetID int64) int {
	score := 0
	for key, direction := range m.votes {
		if key.kind == kind && key.target == targetID {
			score += direction
		}
	}
	return score
}

func (m *memStore) GetPost(_ context.Context, postID int64) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[postID]; !ok {
		return store.Post{}, sql.ErrNoRows
	}
	return m.postLocked(postID), nil
}

func (m *memStore) listPosts(match func(store.Post) bool, page store.Page) []store.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0)
	for id, post := range m.posts {
		if match(post) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	posts := make([]store.Post, 0)
	for _, id := range paginate(ids, page) {
		posts = append(posts, m.postLocked(id))
	}
	return posts
}

func paginate(ids []int64, page store.Page) []int64 {
	if page.Offset >= len(ids) {
		return nil
	}
	ids = ids[page.Offset:]
	if len(ids) > page.Limit {
		ids = ids[:page.Limit]
	}
	return ids
}

func (m *memStore) ListPostsByDen(_ context.Context, denID int64, page store.Page) ([]store.Post, error) {
	return m.listPosts(func(p store.Post) bool { return p.DenID == denID }, page), nil
}

func (m *memStore) ListPostsByAuthor(_ context.Context, authorID int64, page store.Page) ([]store.Post, error) {
	return m.listPosts(func(p store.Post) bool { return p.AuthorID == authorID }, page), nil
}

func (m *memStore) ListRecentPosts(_ context.Context, page store.Page) ([]store.Post, error) {
	return m.listPosts(func(store.Post) bool { return true }, page), nil
}

func (m *memStore) postOwnerLocked(postID int64) (rbac.Ownership, error) {
	post, ok := m.posts[postID]
	if !ok {
		return rbac.Ownership{}, sql.ErrNoRows
	}
	return rbac.Ownership{AuthorID: post.AuthorID, DenCreatorID: m.dens[post.DenID].CreatorID}, nil
}

func (m *memStore) AddPostImages(_ context.Context, postID int64, urls []string, authorize store.Authorizer) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, err := m.postOwnerLocked(postID)
	if err != nil {
		return store.Post{}, err
	}
	if err := authorize(owner); err != nil {
		return store.Post{}, err
	}
	post := m.posts[postID]
	post.ImageURLs = append(append([]string{}, post.ImageURLs...), urls...)
	m.posts[postID] = post
	return m.postLocked(postID), nil
}

func (m *memStore) UpdatePost(_ context.Context, postID int64, title, body string, authorize store.Authorizer) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, err := m.postOwnerLocked(postID)
	if err != nil {
		return store.Post{}, err
	}
	if err := authorize(owner); err != nil {
		return store.Post{}, err
	}
	post := m.posts[postID]
	post.Title, post.Body = title, body
	m.posts[postID] = post
	return m.postLocked(postID), nil
}

func (m *memStore) DeletePost(_ context.Context, postID int64, authorize store.Authorizer) (store.DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, err := m.postOwnerLocked(postID)
	if err != nil {
		return store.DeleteResult{}, err
	}
	if err := authorize(owner); err != nil {
		return store.DeleteResult{}, err
	}
	result := store.DeleteResult{CommentIDs: []int64{}, ImageURLs: append([]string{}, m.posts[postID].ImageURLs...)}
	for id, comment := range m.comments {
		if comment.PostID == postID {
			result.CommentIDs = append(result.CommentIDs, id)
			m.dropVotesLocked(store.TargetComment, id)
			delete(m.comments, id)
		}
	}
	m.dropVotesLocked(store.TargetPost, postID)
	delete(m.posts, postID)
	return result, nil
}

func (m *memStore) dropVotesLocked(kind store.TargetKind, targetID int64) {
	for key := range m.votes {
		if key.kind == kind && key.target == targetID {
			delete(m.votes, key)
		}
	}
}

func (m *memStore) CastVote(ctx context.Context, kind store.TargetKind, targetID, voterID int64, direction int) (int, error) {
	if m.castVoteFn != nil {
		return m.castVoteFn(ctx, kind, targetID, voterID, direction)
	}
	return m.castVote(kind, targetID, voterID, direction)
}

func (m *memStore) castVote(kind store.TargetKind, targetID, voterID int64, direction int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exists := false
	switch kind {
	case store.TargetPost:
		_, exists = m.posts[targetID]
	case store.TargetComment:
		_, exists = m.comments[targetID]
	}
	if !exists {
		return 0, sql.ErrNoRows
	}
	m.votes[voteKey{kind: kind, target: targetID, voter: voterID}] = direction
	return m.scoreLocked(kind, targetID), nil
}

func (m *memStore) InsertComment(_ context.Context, comment store.Comment) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[comment.PostID]; !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	if comment.ParentID != nil {
		parent, ok := m.comments[*comment.ParentID]
		if !ok {
			return store.Comment{}, sql.ErrNoRows
		}
		if parent.PostID != comment.PostID {
			return store.Comment{}, store.ErrParentMismatch
		}
		parent.ReplyCount++
		m.comments[parent.ID] = parent
	}
	comment.ID, comment.CreatedAt = m.id()
	comment.ReplyCount = 0
	m.comments[comment.ID] = comment
	return m.commentLocked(comment.ID), nil
}

func (m *memStore) commentLocked(commentID int64) store.Comment {
	comment := m.comments[commentID]
	post := m.posts[comment.PostID]
	comment.PostTitle = post.Title
	comment.DenID = post.DenID
	comment.DenTitle = m.dens[post.DenID].Title
	comment.AuthorName = m.users[comment.AuthorID].DisplayName
	comment.Score = m.scoreLocked(store.TargetComment, commentID)
	return comment
}

func (m *memStore) GetComment(_ context.Context, commentID int64) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[commentID]; !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return m.commentLocked(commentID), nil
}

func (m *memStore) listComments(match func(store.Comment) bool, page store.Page) []store.Comment {
	ids := make([]int64, 0)
	for id, comment := range m.comments {
		if match(comment) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	comments := make([]store.Comment, 0)
	for _, id := range paginate(ids, page) {
		comments = append(comments, m.commentLocked(id))
	}
	return comments
}

func (m *memStore) ListTopLevelComments(_ context.Context, postID int64, page store.Page) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[postID]; !ok {
		return nil, sql.ErrNoRows
	}
	return m.listComments(func(c store.Comment) bool { return c.PostID == postID && c.ParentID == nil }, page), nil
}

func (m *memStore) ListReplies(_ context.Context, parentID int64, page store.Page) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[parentID]; !ok {
		return nil, sql.ErrNoRows
	}
	return m.listComments(func(c store.Comment) bool { return c.ParentID != nil && *c.ParentID == parentID }, page), nil
}

func (m *memStore) ListCommentsByAuthor(_ context.Context, authorID int64, page store.Page) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listComments(func(c store.Comment) bool { return c.AuthorID == authorID }, page), nil
}

func (m *memStore) commentOwnerLocked(commentID int64) (rbac.Ownership, error) {
	comment, ok := m.comments[commentID]
	if !ok {
		return rbac.Ownership{}, sql.ErrNoRows
	}
	post := m.posts[comment.PostID]
	return rbac.Ownership{AuthorID: comment.AuthorID, DenCreatorID: m.dens[post.DenID].CreatorID}, nil
}

func (m *memStore) UpdateComment(_ context.Context, commentID int64, body string, authorize store.Authorizer) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, err := m.commentOwnerLocked(commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if err := authorize(owner); err != nil {
		return store.Comment{}, err
	}
	comment := m.comments[commentID]
	comment.Body = body
	m.comments[commentID] = comment
	return m.commentLocked(commentID), nil
}

func (m *memStore) DeleteComment(_ context.Context, commentID int64, authorize store.Authorizer) (store.DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, err := m.commentOwnerLocked(commentID)
	if err != nil {
		return store.DeleteResult{}, err
	}
	if err := authorize(owner); err != nil {
		return store.DeleteResult{}, err
	}

	if parentID := m.comments[commentID].ParentID; parentID != nil {
		parent := m.comments[*parentID]
		if parent.ReplyCount > 0 {
			parent.ReplyCount--
		}
		m.comments[*parentID] = parent
	}

	removed := []int64{}
	queue := []int64{commentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed = append(removed, id)
		for childID, child := range m.comments {
			if child.ParentID != nil && *child.ParentID == id {
				queue = append(queue, childID)
			}
		}
	}
	for _, id := range removed {
		m.dropVotesLocked(store.TargetComment, id)
		delete(m.comments, id)
	}
	return store.DeleteResult{CommentIDs: removed}, nil
}

func (m *memStore) ReconcileReplyCounts(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[int64]int)
	for _, comment := range m.comments {
		if comment.ParentID != nil {
			live[*comment.ParentID]++
		}
	}
	var repaired int64
	for id, comment := range m.comments {
		if comment.ReplyCount != live[id] {
			comment.ReplyCount = live[id]
			m.comments[id] = comment
			repaired++
		}
	}
	return repaired, nil
}

// setReplyCount corrupts the cached count to simulate drift.
func (m *memStore) setReplyCount(commentID int64, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment := m.comments[commentID]
	comment.ReplyCount = count
	m.comments[commentID] = comment
}

func (m *memStore) voteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes)
}

type fakeSearch struct {
	mu              sync.Mutex
	indexedComments []int64
	deletedComments []int64
	deletedPosts    []int64
	searchFn        func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (f *fakeSearch) IndexDen(search.DenRecord)  {}
func (f *fakeSearch) IndexPost(search.PostRecord) {}
func (f *fakeSearch) IndexComment(record search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedComments = append(f.indexedComments, record.ID)
}
func (f *fakeSearch) DeletePost(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPosts = append(f.deletedPosts, id)
}
func (f *fakeSearch) DeleteComments(ids []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedComments = append(f.deletedComments, ids...)
}
func (f *fakeSearch) ReindexAllFromPG(context.Context) {}

type fakeBlobs struct {
	mu      sync.Mutex
	stored  []string
	deleted []string
	putFn   func(contentType string) (string, error)
}

func (f *fakeBlobs) Put(_ context.Context, contentType string, r io.Reader, _ int64) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putFn != nil {
		return f.putFn(contentType)
	}
	url := fmt.Sprintf("https://img.test/posts/%d.png", len(f.stored)+1)
	f.stored = append(f.stored, url)
	return url, nil
}

func (f *fakeBlobs) Delete(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, url)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:          "test-secret",
		AccessTTL:          time.Hour,
		RefreshTTL:         24 * time.Hour,
		CORSOrigins:        []string{"*"},
		VoteRetryAttempts:  3,
		MaxUploadBytes:     1 << 20,
		RateLimitPerMinute: 0,
	}
}

func newTestService(t *testing.T, fs *memStore) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &Service{
		cfg:         testConfig(),
		store:       fs,
		sessions:    session.NewRedisStoreWithClient(client),
		search:      &fakeSearch{},
		metrics:     metrics.New(),
		log:         zap.NewNop(),
		voteBackoff: time.Millisecond,
	}
}

// world is the den D / post P fixture shared by most tests.
type world struct {
	denCreator store.User
	postAuthor store.User
	commenter  store.User
	replier    store.User
	stranger   store.User
	den        DenView
	post       PostView
}

func seedWorld(t *testing.T, svc *Service) world {
	t.Helper()
	ctx := context.Background()
	var w world
	for _, item := range []struct {
		name   string
		target *store.User
	}{
		{"ada", &w.denCreator},
		{"bea", &w.postAuthor},
		{"cy", &w.commenter},
		{"dee", &w.replier},
		{"eli", &w.stranger},
	} {
		user, err := svc.store.EnsureUserByName(ctx, item.name)
		if err != nil {
			t.Fatalf("EnsureUserByName() error = %v", err)
		}
		*item.target = user
	}

	den, err := svc.CreateDen(ctx, w.denCreator.ID, CreateDenInput{Title: "Gophers", Description: "All things Go"})
	if err != nil {
		t.Fatalf("CreateDen() error = %v", err)
	}
	w.den = den
	post, err := svc.CreatePost(ctx, w.postAuthor.ID, CreatePostInput{DenID: den.ID, Title: "Generics", Content: "thoughts?"})
	if err != nil {
		t.Fatalf("CreatePost() error = %v", err)
	}
	w.post = post
	return w
}
