package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.AuthService == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Authentication is disabled"})
		return
	}
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	token, expires, ok := s.AuthService.Login(req.Code)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid code"})
		return
	}
	c.SetCookie("auth_token", token, int(time.Until(expires).Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires})
}

type platformView struct {
	models.Platform
	Enabled bool `json:"enabled"`
}

func (s *Server) handleListPlatforms(c *gin.Context) {
	platforms := make([]platformView, 0, len(models.Catalog))
	for _, p := range models.Catalog {
		platforms = append(platforms, platformView{Platform: p, Enabled: s.Adapters.Enabled(p.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"platforms": platforms})
}

func (s *Server) handleCreatePost(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	post, err := s.PostService.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if post.Status != models.PostPublishing {
		c.JSON(http.StatusCreated, gin.H{"post": post})
		return
	}

	jobs, err := s.PostService.Publish(c.Request.Context(), post.ID, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"post": post, "jobs": jobs})
}

func (s *Server) handleListPosts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	posts, total, err := s.PostService.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "total": total})
}

func (s *Server) handleGetPost(c *gin.Context) {
	post, err := s.PostService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (s *Server) handleDeletePost(c *gin.Context) {
	if err := s.PostService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Post deleted"})
}

func (s *Server) handlePublish(c *gin.Context) {
	var req struct {
		PostID      string   `json:"post_id" binding:"required"`
		PlatformIDs []string `json:"platform_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	jobs, err := s.PostService.Publish(c.Request.Context(), req.PostID, req.PlatformIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"post_id": req.PostID, "jobs": jobs})
}

func (s *Server) handleGetResults(c *gin.Context) {
	postID := c.Param("postId")
	if _, err := s.PostService.Get(c.Request.Context(), postID); err != nil {
		s.writeError(c, err)
		return
	}

	jobs, err := s.Orchestrator.GetResults(c.Request.Context(), postID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"post_id": postID,
		"jobs":    jobs,
		"summary": models.Summarize(postID, jobs),
	})
}

func (s *Server) handleRetry(c *gin.Context) {
	job, err := s.Orchestrator.Retry(c.Request.Context(), c.Param("postId"), c.Param("platformId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// handleStream sends a "snapshot" event per change until the batch is complete
// or the client goes away.
func (s *Server) handleStream(c *gin.Context) {
	postID := c.Param("postId")
	ctx := c.Request.Context()
	if _, err := s.PostService.Get(ctx, postID); err != nil {
		s.writeError(c, err)
		return
	}

	sub, err := s.Orchestrator.Subscribe(ctx, postID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer s.Orchestrator.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) handleDashboard(c *gin.Context) {
	stats, err := s.StatsService.Dashboard(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	activity, err := s.StatsService.Activity(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": activity})
}
