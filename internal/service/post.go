package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
	"github.com/ifuryst/crosspost/pkg/util"
)

type SubmitRequest struct {
	Caption      string            `json:"caption"`
	Media        []models.MediaRef `json:"media"`
	Platforms    []string          `json:"platforms"`
	ScheduledFor *time.Time        `json:"scheduled_for"`
}

// PostService owns the post catalogue and hands posts to the orchestrator.
type PostService struct {
	posts   store.PostStore
	results store.ResultStore
	orch    *publisher.Orchestrator
	logger  *zap.Logger
	now     func() time.Time
}

func NewPostService(posts store.PostStore, results store.ResultStore, orch *publisher.Orchestrator, logger *zap.Logger) *PostService {
	return &PostService{
		posts:   posts,
		results: results,
		orch:    orch,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostService) Submit(ctx context.Context, req SubmitRequest) (*models.Post, error) {
	caption := strings.TrimSpace(req.Caption)
	if caption == "" && len(req.Media) == 0 {
		return nil, fmt.Errorf("%w: a post needs a caption or media", models.ErrInvalidRequest)
	}
	for i, m := range req.Media {
		if m.FileID == "" {
			return nil, fmt.Errorf("%w: media %d has no file id", models.ErrInvalidRequest, i)
		}
		if m.Kind != models.MediaImage && m.Kind != models.MediaVideo {
			return nil, fmt.Errorf("%w: media %d has unknown kind %q", models.ErrInvalidRequest, i, m.Kind)
		}
	}

	platforms := util.UniquePlatforms(req.Platforms)
	for _, id := range platforms {
		platform, ok := models.LookupPlatform(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown platform %q", models.ErrInvalidRequest, id)
		}
		if err := platform.Accepts(caption, req.Media); err != nil {
			return nil, err
		}
	}

	if len(platforms) > 0 {
		if _, err := s.orch.Available(platforms); err != nil {
			return nil, err
		}
	}

	now := s.now()
	post := &models.Post{
		ID:        uuid.NewString(),
		Caption:   caption,
		Media:     append([]models.MediaRef(nil), req.Media...),
		Platforms: models.StringArray(platforms),
		CreatedAt: now,
	}
	switch {
	case len(platforms) == 0:
		post.Status = models.PostDraft
	case req.ScheduledFor != nil && req.ScheduledFor.After(now):
		at := req.ScheduledFor.UTC()
		post.ScheduledFor = &at
		post.Status = models.PostScheduled
	default:
		post.Status = models.PostPublishing
	}

	if err := s.posts.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("failed to save post: %w", err)
	}
	s.logger.Info("Post submitted",
		zap.String("post_id", post.ID),
		zap.Strings("platforms", platforms),
		zap.String("status", string(post.Status)))
	return post, nil
}

func (s *PostService) Get(ctx context.Context, id string) (*models.Post, error) {
	return s.posts.GetPost(ctx, id)
}

func (s *PostService) List(ctx context.Context, limit, offset int) ([]*models.Post, int, error) {
	return s.posts.ListPosts(ctx, limit, offset)
}

// Delete removes the post together with its publish jobs.
func (s *PostService) Delete(ctx context.Context, id string) error {
	if _, err := s.posts.GetPost(ctx, id); err != nil {
		return err
	}
	if err := s.results.DeleteByPost(ctx, id); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	if err := s.posts.DeletePost(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Post deleted", zap.String("post_id", id))
	return nil
}

// Publish publishes a stored post. Without explicit platforms the post's own
// targets are used.
func (s *PostService) Publish(ctx context.Context, postID string, platformIDs []string) ([]*models.PublishJob, error) {
	post, err := s.posts.GetPost(ctx, postID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: post %s not found", models.ErrInvalidRequest, postID)
	}
	if err != nil {
		return nil, err
	}
	if len(platformIDs) == 0 {
		platformIDs = post.Platforms
	}
	jobs, err := s.orch.Publish(ctx, post, platformIDs)
	if err != nil && post.Status == models.PostPublishing &&
		(errors.Is(err, models.ErrInvalidRequest) || errors.Is(err, models.ErrInvalidState)) {
		s.abandon(ctx, post.ID)
	}
	return jobs, err
}

// abandon marks a post failed when publishing was refused before any job of
// it started, so it does not sit in publishing forever.
func (s *PostService) abandon(ctx context.Context, postID string) {
	existing, err := s.results.ListByPost(ctx, postID)
	if err != nil || len(existing) > 0 {
		return
	}
	if err := s.posts.UpdatePostStatus(ctx, postID, models.PostFailed); err != nil {
		s.logger.Error("Failed to mark post failed", zap.String("post_id", postID), zap.Error(err))
	}
}
