package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/notifier"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/simulated"
	"github.com/ifuryst/crosspost/internal/store"
)

type testEnv struct {
	posts    *store.MemoryPosts
	results  *store.MemoryResults
	orch     *publisher.Orchestrator
	svc      *PostService
	adapters map[string]*simulated.Adapter
}

func newTestEnv(t *testing.T, opts ...simulated.Option) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	posts := store.NewMemoryPosts()
	results := store.NewMemoryResults()

	manager := publisher.NewManager(logger)
	adapters := make(map[string]*simulated.Adapter)
	for _, p := range models.Catalog {
		a := simulated.New(p.ID, opts...)
		adapters[p.ID] = a
		if err := manager.RegisterAdapter(a, publisher.PlatformConfig{Name: p.ID, Enabled: true}); err != nil {
			t.Fatalf("RegisterAdapter: %v", err)
		}
	}

	orch := publisher.NewOrchestrator(results, posts, manager,
		notifier.New(results.ListByPost, logger), logger, publisher.DefaultOptions())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &testEnv{
		posts:    posts,
		results:  results,
		orch:     orch,
		svc:      NewPostService(posts, results, orch, logger),
		adapters: adapters,
	}
}

func waitForPostStatus(t *testing.T, env *testEnv, postID string, want models.PostStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, err := env.posts.GetPost(context.Background(), postID); err == nil && p.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, _ := env.posts.GetPost(context.Background(), postID)
	t.Fatalf("post %s status = %v, want %s", postID, p, want)
}
