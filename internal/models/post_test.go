package models

import (
	"reflect"
	"testing"
	"time"
)

func TestStringArray_Scan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input interface{}
		want  StringArray
	}{
		{"nil", nil, StringArray{}},
		{"json", `["twitter","facebook"]`, StringArray{"twitter", "facebook"}},
		{"json bytes", []byte(`["youtube"]`), StringArray{"youtube"}},
		{"postgres literal", `{twitter,"linkedin"}`, StringArray{"twitter", "linkedin"}},
		{"empty literal", "{}", StringArray{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StringArray
			if err := got.Scan(tt.input); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Scan(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestStringArray_ScanRejectsUnknownType(t *testing.T) {
	t.Parallel()
	var s StringArray
	if err := s.Scan(42); err == nil {
		t.Error("expected error scanning int, got nil")
	}
}

func TestStringArray_Value(t *testing.T) {
	t.Parallel()
	v, err := StringArray{"a", `b"c`}.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != `["a","b\"c"]` {
		t.Errorf("Value = %v", v)
	}
	if v, _ := StringArray(nil).Value(); v != "[]" {
		t.Errorf("nil Value = %v, want []", v)
	}
}

func TestPost_IsDue(t *testing.T) {
	t.Parallel()
	now := time.Now()
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	tests := []struct {
		name string
		post Post
		want bool
	}{
		{"due", Post{Status: PostScheduled, ScheduledFor: &past}, true},
		{"future", Post{Status: PostScheduled, ScheduledFor: &future}, false},
		{"not scheduled", Post{Status: PostPublishing, ScheduledFor: &past}, false},
		{"no time", Post{Status: PostScheduled}, false},
	}
	for _, tt := range tests {
		if got := tt.post.IsDue(now); got != tt.want {
			t.Errorf("%s: IsDue = %v, want %v", tt.name, got, tt.want)
		}
	}
}
