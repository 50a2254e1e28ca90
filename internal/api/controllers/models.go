package controllers

import (
	"time"

	"github.com/hlsget/hlsget/internal/domain"
)

type TaskView struct {
	ID           string    `json:"id"`
	PlaylistURL  string    `json:"playlist_url"`
	OutputPath   string    `json:"output_path"`
	Priority     int       `json:"priority"`
	Status       string    `json:"status"`
	Segments     int       `json:"segments"`
	SegmentsDone int       `json:"segments_done"`
	BytesWritten uint64    `json:"bytes_written"`
	Retries      uint64    `json:"retries"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	Error        string    `json:"error,omitempty"`
}

func viewOf(t *domain.DownloadTask) TaskView {
	return TaskView{
		ID:           t.ID,
		PlaylistURL:  t.PlaylistURL,
		OutputPath:   t.OutputPath,
		Priority:     t.Priority,
		Status:       string(t.Status),
		Segments:     len(t.Segments),
		SegmentsDone: t.SegmentsDone(),
		BytesWritten: t.BytesWritten.Load(),
		Retries:      t.RetryCount.Load(),
		StartedAt:    t.StartedAt,
		Error:        t.Error,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}
