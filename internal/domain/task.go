package domain

import (
	"context"
	"sync/atomic"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task can never run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// DownloadTask represents one playlist download from submission to final merge.
// It is owned by the queue manager; workers only ever touch individual segments.
type DownloadTask struct {
	ID          string     `json:"id"`
	PlaylistURL string     `json:"playlist_url"`
	KeyURL      string     `json:"key_url,omitempty"`
	OutputPath  string     `json:"output_path"`
	Priority    int        `json:"priority"`
	MaxRetries  int        `json:"max_retries"`
	Status      TaskStatus `json:"status"`

	Segments []*SegmentDescriptor `json:"-"`

	BytesWritten atomic.Uint64 `json:"bytes_written"`
	RetryCount   atomic.Uint64 `json:"retry_count"`

	// TotalBytes stays an estimate until every segment has been fetched,
	// since a playlist declares durations, not byte sizes.
	TotalBytes uint64 `json:"total_bytes"`

	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`

	CancelFunc context.CancelFunc `json:"-"`
}

// SegmentsDone counts segments that reached a success terminal status.
func (t *DownloadTask) SegmentsDone() int {
	done := 0
	for _, s := range t.Segments {
		if s.Status.Succeeded() {
			done++
		}
	}
	return done
}
