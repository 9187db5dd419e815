package app

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dissden/api/internal/auth"
)

const (
	sessionKey   = "dissden.session"
	requestIDKey = "dissden.request_id"
)

type HTTPServer struct {
	service *Service
	limiter *principalLimiter
	engine  *gin.Engine
}

func NewHTTPServer(service *Service) *HTTPServer {
	s := &HTTPServer{
		service: service,
		limiter: newPrincipalLimiter(service.cfg.RateLimitPerMinute),
	}
	s.engine = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestLog(), gin.CustomRecovery(s.recovered), cors.New(corsConfig(s.service.cfg.CORSOrigins)))
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	if s.service.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.service.metrics.Handler()))
	}

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.HEAD("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)
	api.GET("/session", s.handleSessionInfo)
	api.POST("/session/login", s.handleLogin)
	api.POST("/session/refresh", s.handleRefresh)

	api.GET("/dens", s.handleListDens)
	api.GET("/dens/:id", s.handleGetDen)
	api.GET("/dens/:id/posts", s.handleListDenPosts)
	api.GET("/posts", s.handleListRecentPosts)
	api.GET("/posts/:id", s.handleGetPost)
	api.GET("/posts/:id/thread", s.handleGetThread)
	api.GET("/posts/:id/comments", s.handleListTopLevelComments)
	api.GET("/comments/:id", s.handleGetComment)
	api.GET("/comments/:id/replies", s.handleListReplies)
	api.GET("/views/:kind/:id", s.handleAggregatedView)
	api.GET("/users/:id", s.handleGetUser)
	api.GET("/users/:id/history", s.handleUserHistory)
	api.GET("/search", s.handleSearch)

	authed := api.Group("", s.requireSession())
	authed.GET("/me", s.handleMe)
	authed.POST("/session/logout", s.handleLogout)

	mutations := authed.Group("", s.rateLimit())
	mutations.POST("/dens", s.handleCreateDen)
	mutations.POST("/posts", s.handleCreatePost)
	mutations.PUT("/posts/:id", s.handleEditPost)
	mutations.DELETE("/posts/:id", s.handleDeletePost)
	mutations.POST("/posts/:id/images", s.handleUploadImages)
	mutations.POST("/posts/:id/vote", s.handleVote("post"))
	mutations.POST("/posts/:id/comments", s.handleAddPostComment)
	mutations.POST("/comments", s.handleAddComment)
	mutations.PUT("/comments/:id", s.handleEditComment)
	mutations.DELETE("/comments/:id", s.handleDeleteComment)
	mutations.POST("/comments/:id/vote", s.handleVote("comment"))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := gin.H{}
	for name, err := range s.service.ReadinessChecks(ctx) {
		if err == nil {
			checks[name] = gin.H{"status": "ok"}
			continue
		}
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks[name] = gin.H{"status": "error", "error": err.Error()}
	}
	c.JSON(statusCode, gin.H{"ok": status == "ready", "status": status, "checks": checks})
}

func (s *HTTPServer) handleSessionInfo(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "userName": nil})
		return
	}
	current, err := s.service.SessionFromToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "userName": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "userName": current.UserName, "userId": current.UserID})
}

func sessionPayload(current Session) gin.H {
	return gin.H{
		"token":        current.Token,
		"refreshToken": current.RefreshToken,
		"userName":     current.UserName,
		"userId":       current.UserID,
		"expiresAt":    current.ExpiresAt,
	}
}

func (s *HTTPServer) handleLogin(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if !bindBody(c, &body) {
		return
	}
	current, err := s.service.Login(c.Request.Context(), body.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionPayload(current))
}

func (s *HTTPServer) handleRefresh(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !bindBody(c, &body) {
		return
	}
	current, err := s.service.Refresh(c.Request.Context(), body.RefreshToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionPayload(current))
}

func (s *HTTPServer) handleLogout(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	// The body is optional; an empty stream carries no refresh token.
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	if err := s.service.Logout(c.Request.Context(), currentSession(c), body.RefreshToken); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleMe(c *gin.Context) {
	user, err := s.service.GetUser(c.Request.Context(), currentSession(c).UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *HTTPServer) handleListDens(c *gin.Context) {
	dens, err := s.service.ListDens(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dens": dens})
}

func (s *HTTPServer) handleGetDen(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	den, err := s.service.GetDenView(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, den)
}

func (s *HTTPServer) handleCreateDen(c *gin.Context) {
	var input CreateDenInput
	if !bindBody(c, &input) {
		return
	}
	den, err := s.service.CreateDen(c.Request.Context(), currentSession(c).UserID, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, den)
}

func (s *HTTPServer) handleListDenPosts(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	posts, err := s.service.ListPostsByDen(c.Request.Context(), id, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, posts)
}

func (s *HTTPServer) handleListRecentPosts(c *gin.Context) {
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	posts, err := s.service.ListRecentPosts(c.Request.Context(), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, posts)
}

func (s *HTTPServer) handleGetPost(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	post, err := s.service.GetPostView(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (s *HTTPServer) handleGetThread(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	thread, err := s.service.GetThreadView(c.Request.Context(), id, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (s *HTTPServer) handleCreatePost(c *gin.Context) {
	var input CreatePostInput
	if !bindBody(c, &input) {
		return
	}
	post, err := s.service.CreatePost(c.Request.Context(), currentSession(c).UserID, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

func (s *HTTPServer) handleEditPost(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var input EditPostInput
	if !bindBody(c, &input) {
		return
	}
	post, err := s.service.EditPost(c.Request.Context(), currentSession(c).UserID, id, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (s *HTTPServer) handleDeletePost(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	summary, err := s.service.DeletePost(c.Request.Context(), currentSession(c).UserID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *HTTPServer) handleUploadImages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	maxBytes := s.service.cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes*maxImagesPerPost)
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with files", nil)
		return
	}
	headers := form.File["files"]
	uploads := make([]ImageUpload, 0, len(headers))
	for _, header := range headers {
		uploads = append(uploads, imageUpload(header))
	}
	post, err := s.service.UploadPostImages(c.Request.Context(), currentSession(c).UserID, id, uploads)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func imageUpload(header *multipart.FileHeader) ImageUpload {
	return ImageUpload{
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}

func (s *HTTPServer) handleVote(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var input VoteInput
		if !bindBody(c, &input) {
			return
		}
		result, err := s.service.CastVote(c.Request.Context(), currentSession(c).UserID, kind, id, input)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *HTTPServer) handleAddComment(c *gin.Context) {
	var input AddCommentInput
	if !bindBody(c, &input) {
		return
	}
	s.addComment(c, input)
}

func (s *HTTPServer) handleAddPostComment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var input AddCommentInput
	if !bindBody(c, &input) {
		return
	}
	input.PostID = id
	s.addComment(c, input)
}

func (s *HTTPServer) addComment(c *gin.Context, input AddCommentInput) {
	comment, err := s.service.AddComment(c.Request.Context(), currentSession(c).UserID, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (s *HTTPServer) handleListTopLevelComments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	comments, err := s.service.ListTopLevelComments(c.Request.Context(), id, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, comments)
}

func (s *HTTPServer) handleGetComment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	comment, err := s.service.GetCommentView(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (s *HTTPServer) handleListReplies(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	replies, err := s.service.ListReplies(c.Request.Context(), id, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, replies)
}

func (s *HTTPServer) handleEditComment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var input EditCommentInput
	if !bindBody(c, &input) {
		return
	}
	comment, err := s.service.EditComment(c.Request.Context(), currentSession(c).UserID, id, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (s *HTTPServer) handleDeleteComment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	summary, err := s.service.DeleteComment(c.Request.Context(), currentSession(c).UserID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *HTTPServer) handleAggregatedView(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := s.service.GetAggregatedView(c.Request.Context(), c.Param("kind"), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *HTTPServer) handleGetUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user, err := s.service.GetUser(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *HTTPServer) handleUserHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	history, err := s.service.UserHistory(c.Request.Context(), id, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *HTTPServer) handleSearch(c *gin.Context) {
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	var denID int64
	if raw := c.Query("den"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "den must be a positive integer", nil)
			return
		}
		denID = parsed
	}
	response, err := s.service.Search(c.Request.Context(), SearchInput{
		Text:   c.Query("q"),
		Type:   c.Query("type"),
		DenID:  denID,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *HTTPServer) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		current, err := s.service.SessionFromToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			s.service.log.Error("session lookup failed", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		c.Set(sessionKey, current)
		c.Next()
	}
}

func (s *HTTPServer) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.allow(currentSession(c).UserID) {
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Header("Cache-Control", "no-store")

		started := time.Now()
		c.Next()
		elapsed := time.Since(started)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.service.metrics.ObserveRequest(c.Request.Method, route, status, elapsed)

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
		}
		if current := currentSession(c); current.UserID > 0 {
			fields = append(fields, zap.Int64("user_id", current.UserID))
		}
		s.service.log.Info("request", fields...)
	}
}

func (s *HTTPServer) recovered(c *gin.Context, recovered any) {
	s.service.log.Error("panic serving request",
		zap.Any("panic", recovered),
		zap.String("path", c.Request.URL.Path),
	)
	writeError(c, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.log.Error("request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
	}
	writeError(c, status, code, message, details)
}

func currentSession(c *gin.Context) Session {
	value, _ := c.Get(sessionKey)
	current, _ := value.(Session)
	return current
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	c.AbortWithStatusJSON(status, response)
}

func bindBody(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func pageQuery(c *gin.Context) (PageInput, bool) {
	var page PageInput
	for _, field := range []struct {
		name   string
		target *int
	}{{"limit", &page.Limit}, {"offset", &page.Offset}} {
		raw := c.Query(field.name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", field.name+" must be an integer", nil)
			return PageInput{}, false
		}
		*field.target = value
	}
	return page, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if isNotFound(err) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
