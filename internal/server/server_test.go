package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap/zaptest"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
)

func testConfig() *config.Config {
	simulate := &config.SimulateConfig{Steps: 2, StepDelay: "1ms"}
	return &config.Config{
		Server:   config.ServerConfig{Mode: "test"},
		Database: config.DatabaseConfig{Type: "memory"},
		Publisher: config.PublisherConfig{
			AdapterTimeout: "5s",
			MaxErrorLength: 500,
			Retry:          config.RetryConfig{MaxAttempts: 1},
			Platforms: []config.PlatformConfig{
				{Name: "twitter", Enabled: true, Simulate: simulate},
				{Name: "linkedin", Enabled: true, Simulate: simulate},
				{Name: "facebook", Enabled: true, Simulate: &config.SimulateConfig{
					Steps: 2, StepDelay: "1ms", FailAttempts: 1, FailureMessage: "rate limited",
				}},
				{Name: "youtube", Enabled: false},
			},
		},
		Scheduler: config.SchedulerConfig{Spec: "@every 1h"},
		Auth:      config.AuthConfig{SessionTTL: "1h"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type resultsBody struct {
	PostID  string               `json:"post_id"`
	Jobs    []*models.PublishJob `json:"jobs"`
	Summary models.BatchSummary  `json:"summary"`
}

type createBody struct {
	Post *models.Post         `json:"post"`
	Jobs []*models.PublishJob `json:"jobs"`
}

func waitComplete(t *testing.T, srv *Server, postID string) resultsBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := do(t, srv, http.MethodGet, "/api/v1/publish/"+postID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GET results = %d %s", w.Code, w.Body.String())
		}
		res := decode[resultsBody](t, w)
		if res.Summary.AllComplete {
			return res
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch %s never completed: %+v", postID, res.Summary)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig())
	w := do(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
}

func TestListPlatforms(t *testing.T) {
	srv := newTestServer(t, testConfig())
	w := do(t, srv, http.MethodGet, "/api/v1/platforms", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET platforms = %d", w.Code)
	}
	body := decode[struct {
		Platforms []platformView `json:"platforms"`
	}](t, w)
	if len(body.Platforms) != len(models.Catalog) {
		t.Fatalf("got %d platforms, want %d", len(body.Platforms), len(models.Catalog))
	}
	enabled := map[string]bool{}
	for _, p := range body.Platforms {
		enabled[p.ID] = p.Enabled
	}
	want := map[string]bool{"twitter": true, "linkedin": true, "facebook": true, "youtube": false, "instagram": false}
	for id, on := range want {
		if enabled[id] != on {
			t.Errorf("%s enabled = %v, want %v", id, enabled[id], on)
		}
	}
}

func TestCreatePostPublishesAndRetry(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{
		"caption":   "launch day",
		"platforms": []string{"twitter", "linkedin", "facebook"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST posts = %d %s", w.Code, w.Body.String())
	}
	created := decode[createBody](t, w)
	if len(created.Jobs) != 3 {
		t.Fatalf("created %d jobs, want 3", len(created.Jobs))
	}
	postID := created.Post.ID

	res := waitComplete(t, srv, postID)
	if res.Summary.Published != 2 || res.Summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 2 published 1 failed", res.Summary)
	}
	for _, j := range res.Jobs {
		if j.PlatformID == "facebook" && j.ErrorMessage != "rate limited" {
			t.Errorf("facebook error = %q, want %q", j.ErrorMessage, "rate limited")
		}
	}

	// Retrying a published job is a state conflict.
	w = do(t, srv, http.MethodPost, "/api/v1/publish/"+postID+"/retry/twitter", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("retry published = %d, want 409", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/publish/"+postID+"/retry/facebook", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("retry failed job = %d %s", w.Code, w.Body.String())
	}
	job := decode[models.PublishJob](t, w)
	if job.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", job.AttemptCount)
	}

	res = waitComplete(t, srv, postID)
	if res.Summary.Published != 3 {
		t.Fatalf("summary after retry = %+v, want 3 published", res.Summary)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/stats/dashboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET dashboard = %d", w.Code)
	}
	if got := w.Body.String(); !strings.Contains(got, `"success_rate":100`) {
		t.Errorf("dashboard = %s, want success_rate 100", got)
	}
}

func TestDraftIsNotPublished(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{"caption": "idea"})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST posts = %d %s", w.Code, w.Body.String())
	}
	created := decode[createBody](t, w)
	if created.Post.Status != models.PostDraft || len(created.Jobs) != 0 {
		t.Fatalf("draft = %+v with %d jobs", created.Post, len(created.Jobs))
	}

	w = do(t, srv, http.MethodPost, "/api/v1/publish", map[string]any{
		"post_id":      created.Post.ID,
		"platform_ids": []string{"twitter"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST publish = %d %s", w.Code, w.Body.String())
	}
	res := waitComplete(t, srv, created.Post.ID)
	if res.Summary.Total != 1 || res.Summary.Published != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestCreatePostOnDisabledPlatformStoresNothing(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{
		"caption":   "trailer",
		"platforms": []string{"youtube"},
		"media":     []map[string]string{{"file_id": "f1", "kind": "video"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST posts = %d %s, want 400", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/api/v1/posts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET posts = %d", w.Code)
	}
	list := decode[struct {
		Posts []*models.Post `json:"posts"`
		Total int            `json:"total"`
	}](t, w)
	if list.Total != 0 || len(list.Posts) != 0 {
		t.Errorf("rejected post was stored: %+v", list.Posts)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, testConfig())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty post", http.MethodPost, "/api/v1/posts", map[string]any{"caption": "  "}, http.StatusBadRequest},
		{"unknown platform", http.MethodPost, "/api/v1/posts", map[string]any{"caption": "x", "platforms": []string{"myspace"}}, http.StatusBadRequest},
		{"publish unknown post", http.MethodPost, "/api/v1/publish", map[string]any{"post_id": "nope"}, http.StatusBadRequest},
		{"results unknown post", http.MethodGet, "/api/v1/publish/nope", nil, http.StatusNotFound},
		{"stream unknown post", http.MethodGet, "/api/v1/publish/nope/stream", nil, http.StatusNotFound},
		{"retry unknown job", http.MethodPost, "/api/v1/publish/nope/retry/twitter", nil, http.StatusConflict},
		{"get unknown post", http.MethodGet, "/api/v1/posts/nope", nil, http.StatusNotFound},
		{"delete unknown post", http.MethodDelete, "/api/v1/posts/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("%s %s = %d %s, want %d", tt.method, tt.path, w.Code, w.Body.String(), tt.want)
			}
		})
	}
}

func TestStreamEndsWhenComplete(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	w := do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{
		"caption":   "stream me",
		"platforms": []string{"twitter", "linkedin"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST posts = %d %s", w.Code, w.Body.String())
	}
	postID := decode[createBody](t, w).Post.ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/publish/"+postID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := strings.Count(string(body), "event:snapshot")
	if events == 0 {
		t.Fatalf("stream sent no snapshots: %s", body)
	}
	if !strings.Contains(string(body), `"all_complete":true`) {
		t.Errorf("stream closed before the batch completed: %s", body)
	}
}

func TestAuthRequired(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.TOTPSecret = secret
	srv := newTestServer(t, cfg)

	if w := do(t, srv, http.MethodGet, "/api/v1/platforms", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health with auth = %d, want 200", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/auth/login", map[string]string{"code": "000000x"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad code = %d, want 401", w.Code)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	w := do(t, srv, http.MethodPost, "/api/v1/auth/login", map[string]string{"code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d %s", w.Code, w.Body.String())
	}
	token := decode[struct {
		Token string `json:"token"`
	}](t, w).Token

	if w := do(t, srv, http.MethodGet, "/api/v1/platforms", nil, "Authorization", "Bearer "+token); w.Code != http.StatusOK {
		t.Errorf("authenticated = %d, want 200", w.Code)
	}
}
