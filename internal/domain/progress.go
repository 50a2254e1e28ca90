package domain

import "time"

// ProgressSnapshot is one periodic report for a running task. BytesTotal is
// an estimate extrapolated from finished segments until everything is
// downloaded.
type ProgressSnapshot struct {
	TaskID        string        `json:"task_id"`
	Status        TaskStatus    `json:"status"`
	BytesDone     uint64        `json:"bytes_done"`
	BytesTotal    uint64        `json:"bytes_total_estimate"`
	SegmentsDone  int           `json:"segments_done"`
	SegmentsTotal int           `json:"segments_total"`
	Speed         float64       `json:"speed_bps"`
	ETA           time.Duration `json:"eta"`
	RetryCount    uint64        `json:"retry_count"`
	LastError     string        `json:"last_error,omitempty"`
}
