package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
)

type jobSlot struct {
	mu      sync.Mutex
	job     *models.PublishJob
	deleted bool
}

// MemoryResults keeps jobs in a map of per-key slots. The outer lock only
// guards the index; each slot has its own lock for read-modify-write.
type MemoryResults struct {
	mu     sync.RWMutex
	byPost map[string]map[string]*jobSlot
	nextID uint
	now    func() time.Time
}

func NewMemoryResults() *MemoryResults {
	return &MemoryResults{
		byPost: make(map[string]map[string]*jobSlot),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryResults) slot(postID, platformID string) *jobSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byPost[postID][platformID]
}

func (s *MemoryResults) Create(ctx context.Context, job *models.PublishJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	platforms := s.byPost[job.PostID]
	if platforms == nil {
		platforms = make(map[string]*jobSlot)
		s.byPost[job.PostID] = platforms
	}
	if _, ok := platforms[job.PlatformID]; ok {
		return fmt.Errorf("create job %s/%s: %w", job.PostID, job.PlatformID, ErrExists)
	}

	s.nextID++
	now := s.now()
	stored := job.Clone()
	stored.ID = s.nextID
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	platforms[job.PlatformID] = &jobSlot{job: stored}
	return nil
}

func (s *MemoryResults) Get(ctx context.Context, postID, platformID string) (*models.PublishJob, error) {
	sl := s.slot(postID, platformID)
	if sl == nil {
		return nil, notFound(postID, platformID)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.deleted {
		return nil, notFound(postID, platformID)
	}
	return sl.job.Clone(), nil
}

func (s *MemoryResults) ListByPost(ctx context.Context, postID string) ([]*models.PublishJob, error) {
	s.mu.RLock()
	slots := make([]*jobSlot, 0, len(s.byPost[postID]))
	for _, sl := range s.byPost[postID] {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	jobs := make([]*models.PublishJob, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		if !sl.deleted {
			jobs = append(jobs, sl.job.Clone())
		}
		sl.mu.Unlock()
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].PlatformID < jobs[k].PlatformID })
	return jobs, nil
}

func (s *MemoryResults) Upsert(ctx context.Context, job *models.PublishJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	platforms := s.byPost[job.PostID]
	if platforms == nil {
		platforms = make(map[string]*jobSlot)
		s.byPost[job.PostID] = platforms
	}
	sl, ok := platforms[job.PlatformID]
	if !ok {
		s.nextID++
		stored := job.Clone()
		stored.ID = s.nextID
		stored.Version = 1
		stored.CreatedAt = s.now()
		stored.UpdatedAt = stored.CreatedAt
		platforms[job.PlatformID] = &jobSlot{job: stored}
		s.mu.Unlock()
		return nil
	}
	sl.mu.Lock()
	s.mu.Unlock()
	defer sl.mu.Unlock()

	stored := job.Clone()
	stored.ID = sl.job.ID
	stored.CreatedAt = sl.job.CreatedAt
	stored.Version = sl.job.Version + 1
	stored.UpdatedAt = s.now()
	sl.job = stored
	return nil
}

func (s *MemoryResults) Update(ctx context.Context, postID, platformID string, fn UpdateFunc) (*models.PublishJob, error) {
	sl := s.slot(postID, platformID)
	if sl == nil {
		return nil, notFound(postID, platformID)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.deleted {
		return nil, notFound(postID, platformID)
	}

	next := sl.job.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return sl.job.Clone(), err
		}
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.ID = sl.job.ID
	next.CreatedAt = sl.job.CreatedAt
	next.Version = sl.job.Version + 1
	next.UpdatedAt = s.now()
	sl.job = next
	return next.Clone(), nil
}

func (s *MemoryResults) DeleteByPost(ctx context.Context, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.byPost[postID] {
		sl.mu.Lock()
		sl.deleted = true
		sl.mu.Unlock()
	}
	delete(s.byPost, postID)
	return nil
}

func (s *MemoryResults) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	counts := make(map[models.Status]int)
	for _, j := range s.all() {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryResults) Recent(ctx context.Context, limit int) ([]*models.PublishJob, error) {
	jobs := s.all()
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].UpdatedAt.Equal(jobs[k].UpdatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].UpdatedAt.After(jobs[k].UpdatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryResults) all() []*models.PublishJob {
	s.mu.RLock()
	var slots []*jobSlot
	for _, platforms := range s.byPost {
		for _, sl := range platforms {
			slots = append(slots, sl)
		}
	}
	s.mu.RUnlock()

	jobs := make([]*models.PublishJob, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		if !sl.deleted {
			jobs = append(jobs, sl.job.Clone())
		}
		sl.mu.Unlock()
	}
	return jobs
}

// MemoryPosts is a PostStore backed by a map.
type MemoryPosts struct {
	mu    sync.RWMutex
	posts map[string]*models.Post
	now   func() time.Time
}

func NewMemoryPosts() *MemoryPosts {
	return &MemoryPosts{
		posts: make(map[string]*models.Post),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryPosts) CreatePost(ctx context.Context, post *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[post.ID]; ok {
		return fmt.Errorf("create post %s: %w", post.ID, ErrExists)
	}
	stored := post.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.posts[post.ID] = stored
	return nil
}

func (s *MemoryPosts) GetPost(ctx context.Context, id string) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryPosts) ListPosts(ctx context.Context, limit, offset int) ([]*models.Post, int, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.RLock()
	posts := make([]*models.Post, 0, len(s.posts))
	for _, p := range s.posts {
		posts = append(posts, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(posts, func(i, k int) bool {
		if posts[i].CreatedAt.Equal(posts[k].CreatedAt) {
			return posts[i].ID > posts[k].ID
		}
		return posts[i].CreatedAt.After(posts[k].CreatedAt)
	})
	total := len(posts)
	if offset >= total {
		return []*models.Post{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return posts[offset:end], total, nil
}

func (s *MemoryPosts) UpdatePostStatus(ctx context.Context, id string, status models.PostStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("post %s: %w", id, models.ErrNotFound)
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemoryPosts) DeletePost(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return fmt.Errorf("post %s: %w", id, models.ErrNotFound)
	}
	delete(s.posts, id)
	return nil
}

func (s *MemoryPosts) DuePosts(ctx context.Context, now time.Time, limit int) ([]*models.Post, error) {
	s.mu.RLock()
	var due []*models.Post
	for _, p := range s.posts {
		if p.IsDue(now) {
			due = append(due, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, k int) bool { return due[i].ScheduledFor.Before(*due[k].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func notFound(postID, platformID string) error {
	return fmt.Errorf("job %s/%s: %w", postID, platformID, models.ErrNotFound)
}
