package models

// BatchSummary is the aggregate view over all jobs of one post. It is always
// derived from the stored jobs, never persisted.
type BatchSummary struct {
	PostID      string `json:"post_id"`
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	InProgress  int    `json:"in_progress"`
	Published   int    `json:"published"`
	Failed      int    `json:"failed"`
	AllComplete bool   `json:"all_complete"`
}

func Summarize(postID string, jobs []*PublishJob) BatchSummary {
	s := BatchSummary{PostID: postID, Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusPublished:
			s.Published++
		case StatusFailed:
			s.Failed++
		}
	}
	s.AllComplete = s.Total > 0 && s.Published+s.Failed == s.Total
	return s
}
