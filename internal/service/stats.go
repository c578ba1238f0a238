package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/store"
)

type DashboardStats struct {
	TotalPosts     int `json:"total_posts"`
	PublishedCount int `json:"published_count"`
	FailedCount    int `json:"failed_count"`
	// PendingCount includes jobs in progress.
	PendingCount int `json:"pending_count"`
	SuccessRate  int `json:"success_rate"`
}

type Activity struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	PostID     string    `json:"post_id"`
	PlatformID string    `json:"platform_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ActivityPublishSuccess = "publish_success"
	ActivityPublishFailed  = "publish_failed"
	ActivityPublishPending = "publish_pending"
)

type StatsService struct {
	posts   store.PostStore
	results store.ResultStore
	logger  *zap.Logger
}

func NewStatsService(posts store.PostStore, results store.ResultStore, logger *zap.Logger) *StatsService {
	return &StatsService{
		posts:   posts,
		results: results,
		logger:  logger,
	}
}

func (s *StatsService) Dashboard(ctx context.Context) (*DashboardStats, error) {
	_, totalPosts, err := s.posts.ListPosts(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to count posts: %w", err)
	}
	counts, err := s.results.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &DashboardStats{
		TotalPosts:     totalPosts,
		PublishedCount: counts[models.StatusPublished],
		FailedCount:    counts[models.StatusFailed],
		PendingCount:   counts[models.StatusPending] + counts[models.StatusInProgress],
	}
	total := stats.PublishedCount + stats.FailedCount + stats.PendingCount
	if total > 0 {
		stats.SuccessRate = int(math.Round(float64(stats.PublishedCount) / float64(total) * 100))
	}

	s.logger.Debug("Dashboard stats computed",
		zap.Int("total_posts", stats.TotalPosts),
		zap.Int("total_jobs", total))
	return stats, nil
}

// Activity returns the most recently updated jobs as a feed.
func (s *StatsService) Activity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	jobs, err := s.results.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent jobs: %w", err)
	}

	activities := make([]Activity, 0, len(jobs))
	for _, j := range jobs {
		a := Activity{
			ID:         j.PostID + ":" + j.PlatformID,
			PostID:     j.PostID,
			PlatformID: j.PlatformID,
			Timestamp:  j.UpdatedAt,
		}
		switch j.Status {
		case models.StatusPublished:
			a.Type = ActivityPublishSuccess
			a.Message = "Post published to " + j.PlatformID
		case models.StatusFailed:
			a.Type = ActivityPublishFailed
			a.Message = "Failed to publish to " + j.PlatformID
		default:
			a.Type = ActivityPublishPending
			a.Message = "Publishing to " + j.PlatformID
		}
		activities = append(activities, a)
	}
	return activities, nil
}
