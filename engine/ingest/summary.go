package ingest

import (
	"fmt"
	"time"
)

// Summary reports the outcome of one run. Ingested counts only entities newly
// written to the index.
type Summary struct {
	RunID           string    `json:"run_id"`
	Pages           int       `json:"pages"`
	Ingested        int       `json:"ingested"`
	SkippedExisting int       `json:"skipped_existing"`
	SkippedNoPhoto  int       `json:"skipped_no_photo"`
	Failed          int       `json:"failed"`
	Aborted         bool      `json:"aborted"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// String is the one-line text returned to operators.
func (s Summary) String() string {
	if s.Aborted {
		return fmt.Sprintf("Batch aborted after %d pages. Saved %d actors.", s.Pages, s.Ingested)
	}
	return fmt.Sprintf("Batch completed. Saved %d actors.", s.Ingested)
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }
