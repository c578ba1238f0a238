package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/store"
)

const sweepBatchSize = 50

// Scheduler publishes scheduled posts once they are due.
type Scheduler struct {
	config *config.SchedulerConfig
	logger *zap.Logger
	posts  store.PostStore
	svc    *PostService
	parser cron.Parser
	now    func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, posts store.PostStore, svc *PostService) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger,
		posts:  posts,
		svc:    svc,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.config.Spec, func() { s.sweep(ctx) }); err != nil {
		s.logger.Error("Invalid scheduler spec", zap.String("spec", s.config.Spec), zap.Error(err))
		return fmt.Errorf("failed to schedule sweep %q: %w", s.config.Spec, err)
	}

	s.mu.Lock()
	s.c = c
	s.mu.Unlock()

	s.logger.Info("Starting scheduler", zap.String("spec", s.config.Spec))
	c.Start()

	// Run first sweep immediately
	go s.sweep(ctx)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) sweep(ctx context.Context) {
	start := time.Now()
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("Scheduled sweep failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	if n > 0 {
		s.logger.Info("Scheduled sweep completed",
			zap.Int("published", n),
			zap.Duration("duration", time.Since(start)))
	}
}

// RunOnce publishes every due post and returns how many were handed to the
// orchestrator. A post that fails to publish does not stop the sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.posts.DuePosts(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load due posts: %w", err)
	}

	published := 0
	for _, post := range due {
		if _, err := s.svc.Publish(ctx, post.ID, nil); err != nil {
			s.logger.Error("Failed to publish scheduled post",
				zap.String("post_id", post.ID),
				zap.Error(err))
			if errors.Is(err, models.ErrInvalidRequest) {
				// It will never become publishable; stop picking it up.
				if err := s.posts.UpdatePostStatus(ctx, post.ID, models.PostFailed); err != nil {
					s.logger.Error("Failed to mark post failed", zap.String("post_id", post.ID), zap.Error(err))
				}
			}
			continue
		}
		published++
	}
	return published, nil
}
