package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

// Snapshot is the full state of one post's jobs at a point in time. Jobs are
// shared between subscribers and must be treated as read-only.
type Snapshot struct {
	PostID  string               `json:"post_id"`
	Jobs    []*models.PublishJob `json:"jobs"`
	Summary models.BatchSummary  `json:"summary"`
	At      time.Time            `json:"at"`
}

// Loader reads the current jobs of a post from the source of truth.
type Loader func(ctx context.Context, postID string) ([]*models.PublishJob, error)

// Sink receives every broadcast snapshot, for delivery outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, snap Snapshot) error
}

// Subscription receives snapshots for one post until the batch completes or
// it is unsubscribed.
type Subscription struct {
	id     uint64
	postID string
	q      *queue
}

// Updates is closed after the final snapshot.
func (s *Subscription) Updates() <-chan Snapshot { return s.q.out }

func (s *Subscription) PostID() string { return s.postID }

const lockStripes = 64

type Notifier struct {
	load   Loader
	logger *zap.Logger
	now    func() time.Time

	// Reading a snapshot and broadcasting it happen under the post's stripe,
	// so every subscriber sees snapshots in store order.
	stripes [lockStripes]sync.Mutex

	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64

	sinks   []*sinkWorker
	sinkCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Notifier)

func WithSink(sink Sink) Option {
	return func(n *Notifier) {
		n.sinks = append(n.sinks, &sinkWorker{sink: sink})
	}
}

func New(load Loader, logger *zap.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		load:   load,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[string]map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.sinkCtx, n.cancel = context.WithCancel(context.Background())
	for _, w := range n.sinks {
		w.q = newQueue()
		n.wg.Add(1)
		go n.runSink(w)
	}
	return n
}

func (n *Notifier) stripe(postID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(postID))
	return &n.stripes[h.Sum32()%lockStripes]
}

func (n *Notifier) snapshot(ctx context.Context, postID string) (Snapshot, error) {
	jobs, err := n.load(ctx, postID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot for %s: %w", postID, err)
	}
	return Snapshot{
		PostID:  postID,
		Jobs:    jobs,
		Summary: models.Summarize(postID, jobs),
		At:      n.now(),
	}, nil
}

// Subscribe registers an observer. The current snapshot is delivered first;
// if the batch is already complete the subscription closes right after it.
//
// The subscription is dropped when ctx is done. A caller that stops reading
// Updates early must cancel ctx or call Unsubscribe, otherwise the delivery
// goroutine waits for it forever.
func (n *Notifier) Subscribe(ctx context.Context, postID string) (*Subscription, error) {
	lock := n.stripe(postID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := n.snapshot(ctx, postID)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.nextID++
	sub := &Subscription{id: n.nextID, postID: postID, q: newQueue()}
	if !snap.Summary.AllComplete {
		if n.subs[postID] == nil {
			n.subs[postID] = make(map[uint64]*Subscription)
		}
		n.subs[postID][sub.id] = sub
	}
	n.mu.Unlock()

	sub.q.push(snap)
	if snap.Summary.AllComplete {
		sub.q.finish()
	}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				n.Unsubscribe(sub)
			case <-sub.q.exited:
			}
		}()
	}
	n.logger.Debug("Subscribed to post updates",
		zap.String("post_id", postID),
		zap.Uint64("subscription", sub.id),
		zap.Bool("complete", snap.Summary.AllComplete))
	return sub, nil
}

// Unsubscribe closes the subscription without delivering anything further.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	n.mu.Lock()
	if subs := n.subs[sub.postID]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(n.subs, sub.postID)
		}
	}
	n.mu.Unlock()
	sub.q.stop()
}

// Notify broadcasts the post's current snapshot. It must be called after the
// store write it reports. Once the batch is complete all subscriptions of the
// post are closed and later calls reach only the sinks.
func (n *Notifier) Notify(ctx context.Context, postID string) error {
	lock := n.stripe(postID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := n.snapshot(ctx, postID)
	if err != nil {
		n.logger.Error("Failed to build snapshot", zap.String("post_id", postID), zap.Error(err))
		return err
	}

	n.mu.Lock()
	subs := make([]*Subscription, 0, len(n.subs[postID]))
	for _, sub := range n.subs[postID] {
		subs = append(subs, sub)
	}
	if snap.Summary.AllComplete {
		delete(n.subs, postID)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.q.push(snap)
		if snap.Summary.AllComplete {
			sub.q.finish()
		}
	}
	for _, w := range n.sinks {
		w.q.push(snap)
	}

	if snap.Summary.AllComplete && len(subs) > 0 {
		n.logger.Debug("Batch complete, closed subscriptions",
			zap.String("post_id", postID),
			zap.Int("subscriptions", len(subs)))
	}
	return nil
}

// Subscribers returns the number of open subscriptions for a post.
func (n *Notifier) Subscribers(postID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[postID])
}

// Close ends every open subscription after its backlog and flushes the sinks
// until ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	all := n.subs
	n.subs = make(map[string]map[uint64]*Subscription)
	n.mu.Unlock()
	for _, subs := range all {
		for _, sub := range subs {
			sub.q.finish()
		}
	}

	for _, w := range n.sinks {
		w.q.finish()
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		for _, w := range n.sinks {
			w.q.stop()
		}
		return ctx.Err()
	}
}

type sinkWorker struct {
	sink Sink
	q    *queue
}

func (n *Notifier) runSink(w *sinkWorker) {
	defer n.wg.Done()
	for snap := range w.q.out {
		if err := w.sink.Deliver(n.sinkCtx, snap); err != nil {
			n.logger.Warn("Sink delivery failed",
				zap.String("sink", w.sink.Name()),
				zap.String("post_id", snap.PostID),
				zap.Error(err))
		}
	}
}
