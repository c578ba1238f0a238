package models

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further automatic transition happens.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// PublishJob is one platform's publish attempt for one post. Exactly one row
// exists per (PostID, PlatformID); retries mutate it in place.
type PublishJob struct {
	ID           uint       `gorm:"primaryKey" json:"-"`
	PostID       string     `gorm:"not null;size:64;uniqueIndex:idx_publish_jobs_post_platform" json:"post_id"`
	PlatformID   string     `gorm:"not null;size:64;uniqueIndex:idx_publish_jobs_post_platform" json:"platform_id"`
	Status       Status     `gorm:"size:32;not null;index" json:"status"`
	Progress     int        `gorm:"not null" json:"progress"`
	AttemptCount int        `gorm:"not null" json:"attempt_count"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	ResultURL    string     `gorm:"size:1024" json:"result_url,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	Version      int64      `gorm:"not null" json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func NewPublishJob(postID, platformID string) *PublishJob {
	return &PublishJob{
		PostID:       postID,
		PlatformID:   platformID,
		Status:       StatusPending,
		AttemptCount: 1,
	}
}

// Clone returns a deep copy safe to hand out of a store.
func (j *PublishJob) Clone() *PublishJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.PublishedAt != nil {
		t := *j.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// Start moves a pending job to in_progress.
func (j *PublishJob) Start() error {
	if j.Status != StatusPending {
		return j.transitionError(StatusInProgress)
	}
	j.Status = StatusInProgress
	j.Progress = 0
	return nil
}

// Advance records a progress report and returns whether it changed anything.
// Reports lower than the stored value, or outside an attempt, are ignored.
func (j *PublishJob) Advance(progress int) bool {
	if j.Status != StatusInProgress {
		return false
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= j.Progress {
		return false
	}
	j.Progress = progress
	return true
}

// Succeed ends the attempt as published.
func (j *PublishJob) Succeed(url string, at time.Time) error {
	if j.Status != StatusInProgress {
		return j.transitionError(StatusPublished)
	}
	if url == "" {
		return fmt.Errorf("%w: published job requires a result url", ErrInvalidState)
	}
	j.Status = StatusPublished
	j.Progress = 100
	j.ResultURL = url
	j.PublishedAt = &at
	j.ErrorMessage = ""
	return nil
}

// Fail ends the attempt as failed. A pending job may fail when its attempt
// is abandoned before it starts.
func (j *PublishJob) Fail(reason string) error {
	if j.Status != StatusInProgress && j.Status != StatusPending {
		return j.transitionError(StatusFailed)
	}
	if reason == "" {
		reason = "unknown error"
	}
	j.Status = StatusFailed
	j.ErrorMessage = reason
	j.ResultURL = ""
	j.PublishedAt = nil
	return nil
}

// Retry re-arms a failed job as a fresh attempt with the same identity.
func (j *PublishJob) Retry() error {
	if j.Status != StatusFailed {
		return j.transitionError(StatusInProgress)
	}
	j.Status = StatusInProgress
	j.Progress = 0
	j.ErrorMessage = ""
	j.AttemptCount++
	return nil
}

// Validate checks the field invariants tied to Status.
func (j *PublishJob) Validate() error {
	if j.PostID == "" || j.PlatformID == "" {
		return fmt.Errorf("%w: job requires post and platform ids", ErrInvalidState)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidState, j.Progress)
	}
	if j.AttemptCount < 1 {
		return fmt.Errorf("%w: attempt count %d", ErrInvalidState, j.AttemptCount)
	}

	published := j.Status == StatusPublished
	if published != (j.ResultURL != "" && j.PublishedAt != nil) {
		return fmt.Errorf("%w: result fields do not match status %s", ErrInvalidState, j.Status)
	}
	if (j.Status == StatusFailed) != (j.ErrorMessage != "") {
		return fmt.Errorf("%w: error message does not match status %s", ErrInvalidState, j.Status)
	}

	switch j.Status {
	case StatusPending, StatusInProgress, StatusPublished, StatusFailed:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, j.Status)
	}
}

func (j *PublishJob) transitionError(to Status) error {
	return fmt.Errorf("%w: %s/%s cannot move from %s to %s",
		ErrInvalidState, j.PostID, j.PlatformID, j.Status, to)
}
