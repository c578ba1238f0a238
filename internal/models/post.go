package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StringArray is stored as a JSON text column so the same model works on
// postgres and sqlite. Postgres array literals are still accepted on read.
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return s.Scan(string(v))
	case string:
		v = strings.TrimSpace(v)
		if v == "" || v == "{}" || v == "[]" || v == "null" {
			*s = StringArray{}
			return nil
		}
		if strings.HasPrefix(v, "[") {
			var arr []string
			if err := json.Unmarshal([]byte(v), &arr); err != nil {
				return fmt.Errorf("failed to decode string array: %w", err)
			}
			*s = arr
			return nil
		}

		// {value1,"value 2"}
		parts := strings.Split(strings.Trim(v, "{}"), ",")
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.Trim(strings.TrimSpace(part), "\"")
		}
		*s = result
		return nil
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		s = StringArray{}
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRef points at an uploaded file; the file id is opaque to this service.
type MediaRef struct {
	FileID string    `json:"file_id"`
	Kind   MediaKind `json:"kind"`
}

type PostStatus string

const (
	PostDraft      PostStatus = "draft"
	PostScheduled  PostStatus = "scheduled"
	PostPublishing PostStatus = "publishing"
	PostCompleted  PostStatus = "completed"
	PostFailed     PostStatus = "failed"
)

// Post is immutable once submitted, except for its lifecycle Status.
type Post struct {
	ID           string      `gorm:"primaryKey;size:64" json:"id"`
	Caption      string      `gorm:"type:text" json:"caption"`
	Media        []MediaRef  `gorm:"serializer:json;type:text" json:"media"`
	Platforms    StringArray `gorm:"type:text" json:"platforms"`
	ScheduledFor *time.Time  `gorm:"index" json:"scheduled_for,omitempty"`
	Status       PostStatus  `gorm:"size:32;not null;index" json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	c := *p
	c.Media = append([]MediaRef(nil), p.Media...)
	c.Platforms = append(StringArray(nil), p.Platforms...)
	if p.ScheduledFor != nil {
		t := *p.ScheduledFor
		c.ScheduledFor = &t
	}
	return &c
}

// IsDue reports whether a scheduled post should be published at now.
func (p *Post) IsDue(now time.Time) bool {
	return p.Status == PostScheduled && p.ScheduledFor != nil && !p.ScheduledFor.After(now)
}
