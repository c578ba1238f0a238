package models

import "testing"

func TestSummarize(t *testing.T) {
	t.Parallel()
	job := func(s Status) *PublishJob { return &PublishJob{Status: s} }

	tests := []struct {
		name     string
		jobs     []*PublishJob
		complete bool
		want     BatchSummary
	}{
		{
			name: "empty batch is not complete",
			jobs: nil,
			want: BatchSummary{PostID: "p"},
		},
		{
			name: "mixed in flight",
			jobs: []*PublishJob{job(StatusPending), job(StatusInProgress), job(StatusPublished)},
			want: BatchSummary{PostID: "p", Total: 3, Pending: 1, InProgress: 1, Published: 1},
		},
		{
			name: "all terminal",
			jobs: []*PublishJob{job(StatusFailed), job(StatusPublished)},
			want: BatchSummary{PostID: "p", Total: 2, Published: 1, Failed: 1, AllComplete: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize("p", tt.jobs); got != tt.want {
				t.Errorf("Summarize = %+v, want %+v", got, tt.want)
			}
		})
	}
}
