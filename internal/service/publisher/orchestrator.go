package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/notifier"
	"github.com/ifuryst/crosspost/internal/store"
	"github.com/ifuryst/crosspost/pkg/util"
)

const (
	cancelledReason   = "publish cancelled"
	interruptedReason = "publish interrupted"
)

// RetryPolicy controls automatic re-attempts of failed jobs. MaxAttempts
// counts every attempt of a job, so 1 disables automatic retry.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Options struct {
	AdapterTimeout time.Duration
	MaxErrorLength int
	Retry          RetryPolicy
}

func DefaultOptions() Options {
	return Options{
		AdapterTimeout: 30 * time.Second,
		MaxErrorLength: 500,
		Retry: RetryPolicy{
			MaxAttempts: 1,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
		},
	}
}

// Orchestrator runs one worker per (post, platform) job and keeps the
// result store and subscribers up to date.
type Orchestrator struct {
	results  store.ResultStore
	posts    store.PostStore
	adapters *Manager
	notifier *notifier.Notifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	// ctx is cancelled by Shutdown; adapter calls derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	// live counts running workers per job key.
	live map[string]int
	wg   sync.WaitGroup
}

func NewOrchestrator(
	results store.ResultStore,
	posts store.PostStore,
	adapters *Manager,
	n *notifier.Notifier,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	defaults := DefaultOptions()
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = defaults.AdapterTimeout
	}
	if opts.MaxErrorLength <= 0 {
		opts.MaxErrorLength = defaults.MaxErrorLength
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = defaults.Retry.MaxDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		results:  results,
		posts:    posts,
		adapters: adapters,
		notifier: n,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[string]int),
	}
}

// Publish creates or re-arms one job per platform and starts their workers.
// It returns without waiting for any adapter. Failed jobs start a new
// attempt, and pending or in-progress jobs whose worker is gone are picked
// up again; jobs with a live worker and published jobs are left alone.
//
// A store fault partway through still starts the jobs handled so far before
// the error is returned, so no job is left without a worker.
func (o *Orchestrator) Publish(ctx context.Context, post *models.Post, platformIDs []string) ([]*models.PublishJob, error) {
	if post == nil || post.ID == "" {
		return nil, fmt.Errorf("%w: post is required", models.ErrInvalidRequest)
	}
	platforms, err := o.adapters.Resolve(platformIDs)
	if err != nil {
		return nil, err
	}
	if o.isClosing() {
		return nil, fmt.Errorf("%w: orchestrator is shutting down", models.ErrInvalidState)
	}

	var (
		starts  []start
		loopErr error
	)
	for _, platform := range platforms {
		st, ok, err := o.prepare(ctx, post.ID, platform)
		if err != nil {
			loopErr = err
			break
		}
		if ok {
			starts = append(starts, st)
		}
	}

	if len(starts) > 0 {
		o.setPostStatus(ctx, post.ID, models.PostPublishing)
	}
	o.notify(ctx, post.ID)

	snapshot := post.Clone()
	for _, st := range starts {
		o.run(snapshot, st)
	}

	o.logger.Info("Publish requested",
		zap.String("post_id", post.ID),
		zap.Strings("platforms", platforms),
		zap.Int("started", len(starts)))

	if loopErr != nil {
		return nil, loopErr
	}
	return o.GetResults(ctx, post.ID)
}

// start describes a worker Publish is about to run. The worker slot for the
// job is already held.
type start struct {
	platform string
	attempt  int
	pending  bool
}

// prepare creates the job for platform or re-arms the existing one. ok is
// true when a worker must be started; its slot is then held by the caller.
func (o *Orchestrator) prepare(ctx context.Context, postID, platform string) (start, bool, error) {
	key := jobKey(postID, platform)
	// orphan means no worker of this orchestrator owns the job.
	orphan := o.tryTrack(key)
	release := func() {
		if orphan {
			o.untrack(key)
		}
	}

	if orphan {
		err := o.results.Create(ctx, models.NewPublishJob(postID, platform))
		if err == nil {
			return start{platform: platform, attempt: 1, pending: true}, true, nil
		}
		if !errors.Is(err, store.ErrExists) {
			release()
			return start{}, false, fmt.Errorf("failed to create job for %s: %w", platform, err)
		}
	}

	job, err := o.results.Update(ctx, postID, platform, func(j *models.PublishJob) error {
		switch {
		case j.Status == models.StatusFailed:
			return j.Retry()
		case j.Status == models.StatusInProgress && orphan:
			if err := j.Fail(interruptedReason); err != nil {
				return err
			}
			return j.Retry()
		default:
			return store.ErrUnchanged
		}
	})
	switch {
	case errors.Is(err, store.ErrUnchanged) && job.Status == models.StatusPending && orphan:
		o.logger.Info("Resuming pending job",
			zap.String("post_id", postID),
			zap.String("platform", platform))
		return start{platform: platform, attempt: job.AttemptCount, pending: true}, true, nil
	case errors.Is(err, store.ErrUnchanged):
		release()
		o.logger.Info("Job already active or published, skipping",
			zap.String("post_id", postID),
			zap.String("platform", platform),
			zap.String("status", string(job.Status)))
		return start{}, false, nil
	case err != nil:
		release()
		return start{}, false, fmt.Errorf("failed to re-arm job for %s: %w", platform, err)
	}
	if !orphan {
		// A previous worker may still be in its retry backoff; it yields to
		// the new attempt.
		o.track(key)
	}
	return start{platform: platform, attempt: job.AttemptCount}, true, nil
}

// Retry starts a new attempt of a failed job. Jobs that are missing or not
// failed are rejected with ErrInvalidState and left unchanged.
func (o *Orchestrator) Retry(ctx context.Context, postID, platformID string) (*models.PublishJob, error) {
	platformID = util.NormalizePlatform(platformID)
	current, err := o.results.Get(ctx, postID, platformID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: no job for %s/%s", models.ErrInvalidState, postID, platformID)
	}
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: job %s/%s is %s, only failed jobs can be retried",
			models.ErrInvalidState, postID, platformID, current.Status)
	}
	if !o.adapters.Enabled(platformID) {
		return nil, fmt.Errorf("%w: platform %s is not available", models.ErrInvalidRequest, platformID)
	}
	if o.isClosing() {
		return nil, fmt.Errorf("%w: orchestrator is shutting down", models.ErrInvalidState)
	}

	post, err := o.posts.GetPost(ctx, postID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: post %s no longer exists", models.ErrInvalidRequest, postID)
	}
	if err != nil {
		return nil, err
	}

	// Hold the worker slot across the re-arm so a concurrent Publish does
	// not treat the job as orphaned.
	key := jobKey(postID, platformID)
	o.track(key)
	job, err := o.results.Update(ctx, postID, platformID, (*models.PublishJob).Retry)
	if err != nil {
		o.untrack(key)
		return nil, err
	}
	o.setPostStatus(ctx, postID, models.PostPublishing)
	o.notify(ctx, postID)

	o.logger.Info("Retrying job",
		zap.String("post_id", postID),
		zap.String("platform", platformID),
		zap.Int("attempt", job.AttemptCount))

	o.run(post, start{platform: platformID, attempt: job.AttemptCount})
	return job, nil
}

// Available resolves platformIDs the way Publish does without touching any
// job, so callers can reject a post before storing it.
func (o *Orchestrator) Available(platformIDs []string) ([]string, error) {
	return o.adapters.Resolve(platformIDs)
}

// GetResults returns every job of the post, ordered by platform.
func (o *Orchestrator) GetResults(ctx context.Context, postID string) ([]*models.PublishJob, error) {
	return o.results.ListByPost(ctx, postID)
}

func (o *Orchestrator) Summary(ctx context.Context, postID string) (models.BatchSummary, error) {
	jobs, err := o.results.ListByPost(ctx, postID)
	if err != nil {
		return models.BatchSummary{}, err
	}
	return models.Summarize(postID, jobs), nil
}

// Subscribe streams snapshots of the post's jobs until all of them are terminal.
// Cancel ctx or call Unsubscribe when done reading early.
func (o *Orchestrator) Subscribe(ctx context.Context, postID string) (*notifier.Subscription, error) {
	return o.notifier.Subscribe(ctx, postID)
}

func (o *Orchestrator) Unsubscribe(sub *notifier.Subscription) {
	o.notifier.Unsubscribe(sub)
}

// Shutdown cancels running adapter calls and waits for the workers to
// record their outcome.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("Publish workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop publish workers: %w", ctx.Err())
	}
}

// Wait blocks until every worker started so far has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

func jobKey(postID, platformID string) string {
	return postID + "/" + platformID
}

// track registers a worker for the job. Every track is paired with untrack.
func (o *Orchestrator) track(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live[key]++
	o.wg.Add(1)
}

// tryTrack registers a worker only if the job has none.
func (o *Orchestrator) tryTrack(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.live[key] > 0 {
		return false
	}
	o.live[key]++
	o.wg.Add(1)
	return true
}

func (o *Orchestrator) untrack(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live[key]--
	if o.live[key] <= 0 {
		delete(o.live, key)
	}
	o.wg.Done()
}

// run starts a worker whose slot is already tracked.
func (o *Orchestrator) run(post *models.Post, st start) {
	go func() {
		defer o.untrack(jobKey(post.ID, st.platform))
		o.work(post, st.platform, st.attempt, st.pending)
	}()
}

// work drives one job to a terminal state, then applies the retry policy.
func (o *Orchestrator) work(post *models.Post, platformID string, attempt int, pending bool) {
	log := o.logger.With(zap.String("post_id", post.ID), zap.String("platform", platformID))

	for {
		failed, ok := o.runAttempt(log, post, platformID, attempt, pending)
		if !ok {
			return
		}
		o.finishBatch(post.ID)
		if !failed || attempt >= o.opts.Retry.MaxAttempts {
			return
		}

		delay := util.Jitter(attempt, o.opts.Retry.BaseDelay, o.opts.Retry.MaxDelay)
		log.Info("Scheduling automatic retry",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-o.ctx.Done():
			return
		}

		expected := attempt
		job, err := o.results.Update(context.Background(), post.ID, platformID, func(j *models.PublishJob) error {
			if j.Status != models.StatusFailed || j.AttemptCount != expected {
				return store.ErrUnchanged
			}
			return j.Retry()
		})
		if errors.Is(err, store.ErrUnchanged) {
			// A manual retry took over.
			return
		}
		if err != nil {
			log.Error("Failed to re-arm job", zap.Error(err))
			return
		}
		o.setPostStatus(context.Background(), post.ID, models.PostPublishing)
		o.notify(context.Background(), post.ID)
		attempt = job.AttemptCount
		pending = false
	}
}

// runAttempt executes one attempt. ok is false when the worker lost the job
// to another attempt or hit a store fault.
func (o *Orchestrator) runAttempt(log *zap.Logger, post *models.Post, platformID string, attempt int, pending bool) (failed, ok bool) {
	ctx := context.Background()
	log = log.With(zap.Int("attempt", attempt))

	if pending {
		_, err := o.results.Update(ctx, post.ID, platformID, func(j *models.PublishJob) error {
			if j.AttemptCount != attempt || j.Status != models.StatusPending {
				return store.ErrUnchanged
			}
			return j.Start()
		})
		if errors.Is(err, store.ErrUnchanged) {
			return false, false
		}
		if err != nil {
			log.Error("Failed to start job", zap.Error(err))
			return false, false
		}
		o.notify(ctx, post.ID)
	}
	log.Debug("Job in progress")

	onProgress := func(progress int) {
		_, err := o.results.Update(ctx, post.ID, platformID, func(j *models.PublishJob) error {
			if j.AttemptCount != attempt || !j.Advance(progress) {
				return store.ErrUnchanged
			}
			return nil
		})
		if err == nil {
			o.notify(ctx, post.ID)
		} else if !errors.Is(err, store.ErrUnchanged) {
			log.Error("Failed to record progress", zap.Int("progress", progress), zap.Error(err))
		}
	}

	url, callErr := o.call(post, platformID, onProgress)

	reason := ""
	if callErr != nil {
		reason = util.Truncate(o.failureReason(callErr), o.opts.MaxErrorLength)
	}
	_, err := o.results.Update(ctx, post.ID, platformID, func(j *models.PublishJob) error {
		if j.AttemptCount != attempt || j.Status != models.StatusInProgress {
			return store.ErrUnchanged
		}
		if reason != "" {
			return j.Fail(reason)
		}
		return j.Succeed(url, o.now())
	})
	if errors.Is(err, store.ErrUnchanged) {
		return false, false
	}
	if err != nil {
		log.Error("Failed to record job outcome", zap.Error(err))
		return false, false
	}
	o.notify(ctx, post.ID)

	if reason != "" {
		log.Warn("Publish failed", zap.String("reason", reason))
		return true, true
	}
	log.Info("Publish succeeded", zap.String("url", url))
	return false, true
}

type callResult struct {
	url string
	err error
}

// call runs the adapter under the rate limit and the per-call timeout. A
// panicking adapter becomes an adapter failure; an adapter that ignores its
// context is abandoned once the deadline passes.
func (o *Orchestrator) call(post *models.Post, platformID string, onProgress ProgressFunc) (string, error) {
	adapter, err := o.adapters.GetAdapter(platformID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrAdapterFailure, err)
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.opts.AdapterTimeout)
	defer cancel()

	if limiter := o.adapters.Limiter(platformID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if o.ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", context.Canceled, err)
			}
			// Wait fails early when the next token lies past the deadline.
			return "", fmt.Errorf("%w: rate limited beyond %s", models.ErrTimeout, o.opts.AdapterTimeout)
		}
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%w: adapter panic: %v", models.ErrAdapterFailure, r)}
			}
		}()
		url, err := adapter.Publish(ctx, post.Clone(), platformID, onProgress)
		done <- callResult{url: url, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return "", o.contextError(ctx, res.err)
			}
			return "", res.err
		}
		if res.url == "" {
			return "", fmt.Errorf("%w: adapter returned no result url", models.ErrAdapterFailure)
		}
		return res.url, nil
	case <-ctx.Done():
		return "", o.contextError(ctx, ctx.Err())
	}
}

func (o *Orchestrator) contextError(ctx context.Context, err error) error {
	if o.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", context.Canceled, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: no result within %s", models.ErrTimeout, o.opts.AdapterTimeout)
	}
	return err
}

func (o *Orchestrator) failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled) && o.ctx.Err() != nil:
		return cancelledReason
	case errors.Is(err, models.ErrTimeout):
		return fmt.Sprintf("timeout: no result within %s", o.opts.AdapterTimeout)
	case errors.Is(err, models.ErrAdapterFailure):
		// Drop the "adapter failure: " prefix the sentinel adds.
		msg := err.Error()
		prefix := models.ErrAdapterFailure.Error() + ": "
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
		return msg
	default:
		return err.Error()
	}
}

func (o *Orchestrator) notify(ctx context.Context, postID string) {
	if err := o.notifier.Notify(ctx, postID); err != nil {
		o.logger.Error("Failed to notify subscribers", zap.String("post_id", postID), zap.Error(err))
	}
}

// finishBatch moves the post to its final status once every job is terminal.
func (o *Orchestrator) finishBatch(postID string) {
	summary, err := o.Summary(context.Background(), postID)
	if err != nil {
		o.logger.Error("Failed to summarize batch", zap.String("post_id", postID), zap.Error(err))
		return
	}
	if !summary.AllComplete {
		return
	}

	status := models.PostFailed
	if summary.Published > 0 {
		status = models.PostCompleted
	}
	o.setPostStatus(context.Background(), postID, status)
	o.logger.Info("Batch complete",
		zap.String("post_id", postID),
		zap.Int("published", summary.Published),
		zap.Int("failed", summary.Failed))
}

func (o *Orchestrator) setPostStatus(ctx context.Context, postID string, status models.PostStatus) {
	err := o.posts.UpdatePostStatus(ctx, postID, status)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		o.logger.Error("Failed to update post status",
			zap.String("post_id", postID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
