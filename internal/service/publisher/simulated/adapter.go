// Package simulated provides a deterministic stand-in for a platform API.
// Outcomes are scripted per attempt so callers can reproduce failures,
// slow calls, panics and hangs.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// Outcome is the scripted result of one call.
type Outcome struct {
	// Err, when set, fails the call with this message.
	Err string
	// Panic makes the call panic after its progress steps.
	Panic bool
	// Hang blocks until the context is done.
	Hang bool
}

func Succeed() Outcome        { return Outcome{} }
func Fail(msg string) Outcome { return Outcome{Err: msg} }
func PanicOutcome() Outcome   { return Outcome{Panic: true} }
func HangOutcome() Outcome    { return Outcome{Hang: true} }

type Adapter struct {
	platform  string
	steps     int
	stepDelay time.Duration

	mu       sync.Mutex
	script   []Outcome
	fallback Outcome
	calls    map[string]int
}

var _ publisher.Adapter = (*Adapter)(nil)

type Option func(*Adapter)

// WithSteps reports progress in steps increments, sleeping delay before each.
func WithSteps(steps int, delay time.Duration) Option {
	return func(a *Adapter) {
		if steps > 0 {
			a.steps = steps
		}
		a.stepDelay = delay
	}
}

// FailFirst fails the first n calls for each post with msg.
func FailFirst(n int, msg string) Option {
	return func(a *Adapter) {
		for i := 0; i < n; i++ {
			a.script = append(a.script, Fail(msg))
		}
	}
}

// WithScript sets the outcomes of the first calls for each post, in order.
// Later calls use the fallback outcome.
func WithScript(outcomes ...Outcome) Option {
	return func(a *Adapter) {
		a.script = append(a.script, outcomes...)
	}
}

// WithFallback sets the outcome for calls beyond the script.
func WithFallback(o Outcome) Option {
	return func(a *Adapter) {
		a.fallback = o
	}
}

func New(platform string, opts ...Option) *Adapter {
	a := &Adapter{
		platform: platform,
		steps:    4,
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) PlatformName() string { return a.platform }

// SetFallback changes the outcome of unscripted calls at runtime.
func (a *Adapter) SetFallback(o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = o
}

// Calls returns how many times Publish ran for the post.
func (a *Adapter) Calls(postID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[postID]
}

func (a *Adapter) next(postID string) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.calls[postID]
	a.calls[postID] = n + 1
	if n < len(a.script) {
		return a.script[n]
	}
	return a.fallback
}

func (a *Adapter) URL(postID string) string {
	return fmt.Sprintf("https://%s.example.com/p/%s", a.platform, postID)
}

func (a *Adapter) Publish(ctx context.Context, post *models.Post, platformID string, onProgress publisher.ProgressFunc) (string, error) {
	if post == nil {
		return "", errors.New("no post")
	}
	outcome := a.next(post.ID)

	if outcome.Hang {
		<-ctx.Done()
		return "", ctx.Err()
	}

	// A failing call gets half way before giving up.
	steps := a.steps
	if outcome.Err != "" || outcome.Panic {
		steps = (a.steps + 1) / 2
	}
	for i := 1; i <= steps; i++ {
		if a.stepDelay > 0 {
			select {
			case <-time.After(a.stepDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if onProgress != nil {
			onProgress(i * 100 / (a.steps + 1))
		}
	}

	switch {
	case outcome.Panic:
		panic(fmt.Sprintf("simulated %s crash", a.platform))
	case outcome.Err != "":
		return "", fmt.Errorf("%w: %s", models.ErrAdapterFailure, outcome.Err)
	}
	return a.URL(post.ID), nil
}
