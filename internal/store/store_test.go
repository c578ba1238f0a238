package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
)

type resultStoreFactory func(t *testing.T) ResultStore

func resultStores() map[string]resultStoreFactory {
	return map[string]resultStoreFactory{
		"memory": func(t *testing.T) ResultStore { return NewMemoryResults() },
		"gorm":   func(t *testing.T) ResultStore { return NewGormResults(newTestDB(t)) },
	}
}

func mustCreate(t *testing.T, s ResultStore, postID, platformID string) {
	t.Helper()
	if err := s.Create(context.Background(), models.NewPublishJob(postID, platformID)); err != nil {
		t.Fatalf("Create(%s/%s): %v", postID, platformID, err)
	}
}

func TestResultStore_CreateAndGet(t *testing.T) {
	for name, factory := range resultStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			mustCreate(t, s, "post-1", "twitter")

			got, err := s.Get(ctx, "post-1", "twitter")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.StatusPending || got.AttemptCount != 1 || got.Progress != 0 {
				t.Errorf("Get = %+v, want fresh pending job", got)
			}

			if err := s.Create(ctx, models.NewPublishJob("post-1", "twitter")); !errors.Is(err, ErrExists) {
				t.Errorf("duplicate Create err = %v, want ErrExists", err)
			}
		})
	}
}

func TestResultStore_GetNotFound(t *testing.T) {
	for name, factory := range resultStores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			if _, err := s.Get(context.Background(), "nope", "twitter"); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("Get err = %v, want ErrNotFound", err)
			}
			_, err := s.Update(context.Background(), "nope", "twitter", func(*models.PublishJob) error { return nil })
			if !errors.Is(err, models.ErrNotFound) {
				t.Errorf("Update err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestResultStore_UpdateAppliesAndRejects(t *testing.T) {
	for name, factory := range resultStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			mustCreate(t, s, "post-1", "facebook")

			got, err := s.Update(ctx, "post-1", "facebook", (*models.PublishJob).Start)
			if err != nil {
				t.Fatalf("Update(Start): %v", err)
			}
			if got.Status != models.StatusInProgress {
				t.Errorf("Status = %q, want in_progress", got.Status)
			}

			// A rejected transition must not write.
			_, err = s.Update(ctx, "post-1", "facebook", (*models.PublishJob).Retry)
			if !errors.Is(err, models.ErrInvalidState) {
				t.Fatalf("Update(Retry) err = %v, want ErrInvalidState", err)
			}

			// ErrUnchanged returns the current record.
			cur, err := s.Update(ctx, "post-1", "facebook", func(*models.PublishJob) error { return ErrUnchanged })
			if !errors.Is(err, ErrUnchanged) || cur == nil || cur.Status != models.StatusInProgress {
				t.Errorf("Update(unchanged) = %+v, %v", cur, err)
			}

			// Writes that would break the job invariants are refused.
			_, err = s.Update(ctx, "post-1", "facebook", func(j *models.PublishJob) error {
				j.Status = models.StatusPublished
				return nil
			})
			if !errors.Is(err, models.ErrInvalidState) {
				t.Errorf("invalid write err = %v, want ErrInvalidState", err)
			}

			stored, _ := s.Get(ctx, "post-1", "facebook")
			if stored.Status != models.StatusInProgress {
				t.Errorf("stored Status = %q after rejected writes, want in_progress", stored.Status)
			}
		})
	}
}

func TestResultStore_ConcurrentUpdatesSerializePerKey(t *testing.T) {
	for name, factory := range resultStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			mustCreate(t, s, "post-1", "twitter")
			mustCreate(t, s, "post-1", "linkedin")
			for _, p := range []string{"twitter", "linkedin"} {
				if _, err := s.Update(ctx, "post-1", p, (*models.PublishJob).Start); err != nil {
					t.Fatalf("Start %s: %v", p, err)
				}
			}

			var wg sync.WaitGroup
			for _, p := range []string{"twitter", "linkedin"} {
				for i := 1; i <= 50; i++ {
					wg.Add(1)
					go func(platform string, progress int) {
						defer wg.Done()
						_, err := s.Update(ctx, "post-1", platform, func(j *models.PublishJob) error {
							if !j.Advance(progress) {
								return ErrUnchanged
							}
							return nil
						})
						if err != nil && !errors.Is(err, ErrUnchanged) {
							t.Errorf("Update %s %d: %v", platform, progress, err)
						}
					}(p, i*2)
				}
			}
			wg.Wait()

			jobs, err := s.ListByPost(ctx, "post-1")
			if err != nil {
				t.Fatalf("ListByPost: %v", err)
			}
			if len(jobs) != 2 {
				t.Fatalf("len(jobs) = %d, want 2", len(jobs))
			}
			for _, j := range jobs {
				if j.Progress != 100 {
					t.Errorf("%s progress = %d, want 100 (max reported)", j.PlatformID, j.Progress)
				}
			}
		})
	}
}

func TestResultStore_ListCountRecentDelete(t *testing.T) {
	for name, factory := range resultStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			for _, p := range []string{"youtube", "facebook", "twitter"} {
				mustCreate(t, s, "post-1", p)
			}
			mustCreate(t, s, "post-2", "twitter")

			_, _ = s.Update(ctx, "post-2", "twitter", (*models.PublishJob).Start)
			_, _ = s.Update(ctx, "post-2", "twitter", func(j *models.PublishJob) error { return j.Fail("rate limited") })

			jobs, err := s.ListByPost(ctx, "post-1")
			if err != nil {
				t.Fatalf("ListByPost: %v", err)
			}
			var order []string
			for _, j := range jobs {
				order = append(order, j.PlatformID)
			}
			if fmt.Sprint(order) != "[facebook twitter youtube]" {
				t.Errorf("ListByPost order = %v", order)
			}

			counts, err := s.CountByStatus(ctx)
			if err != nil {
				t.Fatalf("CountByStatus: %v", err)
			}
			if counts[models.StatusPending] != 3 || counts[models.StatusFailed] != 1 {
				t.Errorf("CountByStatus = %v", counts)
			}

			recent, err := s.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(recent) != 2 {
				t.Fatalf("len(Recent) = %d, want 2", len(recent))
			}
			if recent[0].PostID != "post-2" {
				t.Errorf("Recent[0] = %s/%s, want the last updated job", recent[0].PostID, recent[0].PlatformID)
			}

			if err := s.DeleteByPost(ctx, "post-1"); err != nil {
				t.Fatalf("DeleteByPost: %v", err)
			}
			if jobs, _ := s.ListByPost(ctx, "post-1"); len(jobs) != 0 {
				t.Errorf("ListByPost after delete = %d jobs", len(jobs))
			}
		})
	}
}

func TestResultStore_Upsert(t *testing.T) {
	for name, factory := range resultStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			j := models.NewPublishJob("post-1", "instagram")
			if err := s.Upsert(ctx, j); err != nil {
				t.Fatalf("Upsert insert: %v", err)
			}
			_ = j.Start()
			_ = j.Succeed("https://instagram.example.com/p/post-1", time.Now().UTC())
			if err := s.Upsert(ctx, j); err != nil {
				t.Fatalf("Upsert update: %v", err)
			}

			got, err := s.Get(ctx, "post-1", "instagram")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.StatusPublished || got.ResultURL == "" || got.PublishedAt == nil {
				t.Errorf("Get after upsert = %+v", got)
			}
		})
	}
}

type postStoreFactory func(t *testing.T) PostStore

func postStores() map[string]postStoreFactory {
	return map[string]postStoreFactory{
		"memory": func(t *testing.T) PostStore { return NewMemoryPosts() },
		"gorm":   func(t *testing.T) PostStore { return NewGormPosts(newTestDB(t)) },
	}
}

func TestPostStore_Lifecycle(t *testing.T) {
	for name, factory := range postStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			due := base.Add(-time.Hour)
			later := base.Add(time.Hour)
			posts := []*models.Post{
				{ID: "a", Caption: "first", Platforms: models.StringArray{"twitter"}, Status: models.PostPublishing, CreatedAt: base},
				{ID: "b", Caption: "second", Status: models.PostScheduled, ScheduledFor: &due, CreatedAt: base.Add(time.Minute),
					Media: []models.MediaRef{{FileID: "f1", Kind: models.MediaImage}}},
				{ID: "c", Caption: "third", Status: models.PostScheduled, ScheduledFor: &later, CreatedAt: base.Add(2 * time.Minute)},
			}
			for _, p := range posts {
				if err := s.CreatePost(ctx, p); err != nil {
					t.Fatalf("CreatePost(%s): %v", p.ID, err)
				}
			}
			if err := s.CreatePost(ctx, posts[0]); !errors.Is(err, ErrExists) {
				t.Errorf("duplicate CreatePost err = %v, want ErrExists", err)
			}

			got, err := s.GetPost(ctx, "b")
			if err != nil {
				t.Fatalf("GetPost: %v", err)
			}
			if len(got.Media) != 1 || got.Media[0].Kind != models.MediaImage {
				t.Errorf("GetPost media = %+v", got.Media)
			}

			list, total, err := s.ListPosts(ctx, 2, 0)
			if err != nil {
				t.Fatalf("ListPosts: %v", err)
			}
			if total != 3 || len(list) != 2 || list[0].ID != "c" {
				t.Errorf("ListPosts = %d items (first %v), total %d", len(list), list[0].ID, total)
			}

			duePosts, err := s.DuePosts(ctx, base, 10)
			if err != nil {
				t.Fatalf("DuePosts: %v", err)
			}
			if len(duePosts) != 1 || duePosts[0].ID != "b" {
				t.Errorf("DuePosts = %v, want [b]", duePosts)
			}

			if err := s.UpdatePostStatus(ctx, "b", models.PostPublishing); err != nil {
				t.Fatalf("UpdatePostStatus: %v", err)
			}
			if duePosts, _ := s.DuePosts(ctx, base, 10); len(duePosts) != 0 {
				t.Errorf("DuePosts after status change = %d, want 0", len(duePosts))
			}

			if err := s.DeletePost(ctx, "a"); err != nil {
				t.Fatalf("DeletePost: %v", err)
			}
			if _, err := s.GetPost(ctx, "a"); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("GetPost after delete err = %v, want ErrNotFound", err)
			}
			if err := s.DeletePost(ctx, "a"); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("second DeletePost err = %v, want ErrNotFound", err)
			}
		})
	}
}
