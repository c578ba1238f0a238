package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ifuryst/crosspost/pkg/util"
)

// RedisSink publishes each snapshot as JSON on "<prefix>:<postID>" so other
// processes can follow a batch.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "crosspost:publish"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Channel(postID string) string {
	return s.prefix + ":" + postID
}

func (s *RedisSink) Deliver(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(snap.PostID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

const (
	webhookAttempts = 5
	webhookBase     = 500 * time.Millisecond
	webhookCap      = 30 * time.Second
)

// WebhookSink POSTs each snapshot as JSON, retrying with full-jitter
// exponential backoff.
type WebhookSink struct {
	url      string
	client   *http.Client
	attempts int
	base     time.Duration
	cap      time.Duration
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: webhookAttempts,
		base:     webhookBase,
		cap:      webhookCap,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if lastErr = s.post(ctx, payload); lastErr == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		select {
		case <-time.After(util.Jitter(attempt, s.base, s.cap)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", s.attempts, lastErr)
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
