package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

// maxCASRetries bounds optimistic retries when another process wins a race
// on the same row.
const maxCASRetries = 16

// GormResults is a ResultStore on a gorm database. Updates are
// compare-and-set on the version column, serialized in-process per key.
type GormResults struct {
	db    *gorm.DB
	locks *keyLock
	now   func() time.Time
}

func NewGormResults(db *gorm.DB) *GormResults {
	return &GormResults{
		db:    db,
		locks: newKeyLock(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *GormResults) Create(ctx context.Context, job *models.PublishJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobKey(job.PostID, job.PlatformID))
	defer unlock()

	if _, err := s.find(ctx, job.PostID, job.PlatformID); err == nil {
		return fmt.Errorf("create job %s/%s: %w", job.PostID, job.PlatformID, ErrExists)
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	row := job.Clone()
	row.ID = 0
	row.Version = 1
	row.CreatedAt = s.now()
	row.UpdatedAt = row.CreatedAt
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		// Another process may have inserted the same key meanwhile.
		if _, findErr := s.find(ctx, job.PostID, job.PlatformID); findErr == nil {
			return fmt.Errorf("create job %s/%s: %w", job.PostID, job.PlatformID, ErrExists)
		}
		return unavailable("create job", err)
	}
	return nil
}

func (s *GormResults) Get(ctx context.Context, postID, platformID string) (*models.PublishJob, error) {
	return s.find(ctx, postID, platformID)
}

func (s *GormResults) find(ctx context.Context, postID, platformID string) (*models.PublishJob, error) {
	var job models.PublishJob
	err := s.db.WithContext(ctx).
		Where("post_id = ? AND platform_id = ?", postID, platformID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(postID, platformID)
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}
	return &job, nil
}

func (s *GormResults) ListByPost(ctx context.Context, postID string) ([]*models.PublishJob, error) {
	var jobs []*models.PublishJob
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("platform_id").
		Find(&jobs).Error; err != nil {
		return nil, unavailable("list jobs", err)
	}
	return jobs, nil
}

func (s *GormResults) Upsert(ctx context.Context, job *models.PublishJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobKey(job.PostID, job.PlatformID))
	defer unlock()

	current, err := s.find(ctx, job.PostID, job.PlatformID)
	if errors.Is(err, models.ErrNotFound) {
		row := job.Clone()
		row.ID = 0
		row.Version = 1
		row.CreatedAt = s.now()
		row.UpdatedAt = row.CreatedAt
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			return unavailable("upsert job", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&models.PublishJob{}).
		Where("id = ?", current.ID).
		Updates(s.columns(job, current.Version+1))
	if res.Error != nil {
		return unavailable("upsert job", res.Error)
	}
	return nil
}

func (s *GormResults) Update(ctx context.Context, postID, platformID string, fn UpdateFunc) (*models.PublishJob, error) {
	unlock := s.locks.Lock(jobKey(postID, platformID))
	defer unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := s.find(ctx, postID, platformID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return current, err
			}
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, err
		}

		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		res := s.db.WithContext(ctx).Model(&models.PublishJob{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(s.columns(next, next.Version))
		if res.Error != nil {
			return nil, unavailable("update job", res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
	}
	return nil, unavailable("update job", fmt.Errorf("%s/%s: too much contention", postID, platformID))
}

func (s *GormResults) columns(job *models.PublishJob, version int64) map[string]interface{} {
	return map[string]interface{}{
		"status":        job.Status,
		"progress":      job.Progress,
		"attempt_count": job.AttemptCount,
		"published_at":  job.PublishedAt,
		"result_url":    job.ResultURL,
		"error_message": job.ErrorMessage,
		"version":       version,
		"updated_at":    s.now(),
	}
}

func (s *GormResults) DeleteByPost(ctx context.Context, postID string) error {
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Delete(&models.PublishJob{}).Error; err != nil {
		return unavailable("delete jobs", err)
	}
	return nil
}

func (s *GormResults) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	var rows []struct {
		Status models.Status
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&models.PublishJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, unavailable("count jobs", err)
	}

	counts := make(map[models.Status]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *GormResults) Recent(ctx context.Context, limit int) ([]*models.PublishJob, error) {
	if limit <= 0 {
		limit = 10
	}
	var jobs []*models.PublishJob
	if err := s.db.WithContext(ctx).
		Order("updated_at desc, id desc").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, unavailable("recent jobs", err)
	}
	return jobs, nil
}

// GormPosts is a PostStore on a gorm database.
type GormPosts struct {
	db *gorm.DB
}

func NewGormPosts(db *gorm.DB) *GormPosts {
	return &GormPosts{db: db}
}

func (s *GormPosts) CreatePost(ctx context.Context, post *models.Post) error {
	if err := s.db.WithContext(ctx).Create(post.Clone()).Error; err != nil {
		if _, getErr := s.GetPost(ctx, post.ID); getErr == nil {
			return fmt.Errorf("create post %s: %w", post.ID, ErrExists)
		}
		return unavailable("create post", err)
	}
	return nil
}

func (s *GormPosts) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("post %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get post", err)
	}
	return &post, nil
}

func (s *GormPosts) ListPosts(ctx context.Context, limit, offset int) ([]*models.Post, int, error) {
	limit, offset = normalizePage(limit, offset)

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Post{}).Count(&total).Error; err != nil {
		return nil, 0, unavailable("count posts", err)
	}

	var posts []*models.Post
	if err := s.db.WithContext(ctx).
		Order("created_at desc, id desc").
		Limit(limit).
		Offset(offset).
		Find(&posts).Error; err != nil {
		return nil, 0, unavailable("list posts", err)
	}
	return posts, int(total), nil
}

func (s *GormPosts) UpdatePostStatus(ctx context.Context, id string, status models.PostStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return unavailable("update post status", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("post %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *GormPosts) DeletePost(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Post{})
	if res.Error != nil {
		return unavailable("delete post", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("post %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *GormPosts) DuePosts(ctx context.Context, now time.Time, limit int) ([]*models.Post, error) {
	if limit <= 0 {
		limit = 50
	}
	var posts []*models.Post
	if err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", models.PostScheduled, now).
		Order("scheduled_for").
		Limit(limit).
		Find(&posts).Error; err != nil {
		return nil, unavailable("due posts", err)
	}
	return posts, nil
}

func jobKey(postID, platformID string) string {
	return postID + "\x00" + platformID
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", models.ErrStoreUnavailable, op, err)
}
