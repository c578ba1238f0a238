package store

import (
	"context"
	"errors"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
)

var (
	// ErrExists is returned by Create when the (post, platform) key is taken.
	ErrExists = errors.New("job already exists")
	// ErrUnchanged may be returned by an UpdateFunc to skip the write.
	ErrUnchanged = errors.New("unchanged")
)

// UpdateFunc mutates a private copy of the stored job. Returning an error
// aborts the update and leaves the stored record untouched.
type UpdateFunc func(job *models.PublishJob) error

// ResultStore is the single source of truth for publish jobs, keyed by
// (postID, platformID). Mutations of one key are serialized; mutations of
// different keys do not block each other.
type ResultStore interface {
	Create(ctx context.Context, job *models.PublishJob) error
	Get(ctx context.Context, postID, platformID string) (*models.PublishJob, error)
	ListByPost(ctx context.Context, postID string) ([]*models.PublishJob, error)
	Upsert(ctx context.Context, job *models.PublishJob) error
	// Update is an atomic read-modify-write of one job. When fn returns
	// ErrUnchanged the current record is returned together with ErrUnchanged.
	Update(ctx context.Context, postID, platformID string, fn UpdateFunc) (*models.PublishJob, error)
	DeleteByPost(ctx context.Context, postID string) error
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	// Recent returns the most recently updated jobs across all posts.
	Recent(ctx context.Context, limit int) ([]*models.PublishJob, error)
}

// PostStore persists authored posts.
type PostStore interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	// ListPosts returns a page of posts ordered by created_at DESC, plus the total count.
	ListPosts(ctx context.Context, limit, offset int) ([]*models.Post, int, error)
	UpdatePostStatus(ctx context.Context, id string, status models.PostStatus) error
	DeletePost(ctx context.Context, id string) error
	// DuePosts returns scheduled posts whose scheduled time is not after now.
	DuePosts(ctx context.Context, now time.Time, limit int) ([]*models.Post, error)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
