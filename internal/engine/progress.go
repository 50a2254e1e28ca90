package engine

import (
	"time"

	"github.com/hlsget/hlsget/internal/domain"
)

// tracker turns raw task state into periodic progress snapshots. It lives on
// the dispatch goroutine, so no locking; throughput is smoothed with an EWMA
// so the reported speed doesn't whipsaw with segment boundaries.
type tracker struct {
	task *domain.DownloadTask

	fetched   uint64
	prevBytes uint64
	prevAt    time.Time
	speed     float64
}

func newTracker(task *domain.DownloadTask) *tracker {
	return &tracker{task: task, prevAt: time.Now()}
}

// add records bytes fetched this run; speed is derived from these, not from
// totals, so resumed tasks don't report a phantom burst.
func (t *tracker) add(n int64) {
	t.fetched += uint64(n)
}

func (t *tracker) snapshot() domain.ProgressSnapshot {
	task := t.task

	var done uint64
	segsDone := 0
	for _, desc := range task.Segments {
		if desc.Status.Succeeded() || desc.Status == domain.SegmentSkipped {
			segsDone++
			done += uint64(desc.Size)
		}
	}
	// Segments merged in a previous run carry no size; the merged byte count
	// is the better floor then
	if bw := task.BytesWritten.Load(); bw > done {
		done = bw
	}

	var total uint64
	if segsDone > 0 {
		total = done / uint64(segsDone) * uint64(len(task.Segments))
	}

	now := time.Now()
	if dt := now.Sub(t.prevAt).Seconds(); dt > 0 {
		instant := float64(t.fetched-t.prevBytes) / dt
		if t.speed == 0 {
			t.speed = instant
		} else {
			t.speed = 0.6*t.speed + 0.4*instant
		}
		t.prevBytes = t.fetched
		t.prevAt = now
	}

	var eta time.Duration
	if t.speed > 0 && total > done {
		eta = time.Duration(float64(total-done)/t.speed) * time.Second
	}

	return domain.ProgressSnapshot{
		TaskID:        task.ID,
		Status:        task.Status,
		BytesDone:     done,
		BytesTotal:    total,
		SegmentsDone:  segsDone,
		SegmentsTotal: len(task.Segments),
		Speed:         t.speed,
		ETA:           eta,
		RetryCount:    task.RetryCount.Load(),
		LastError:     task.Error,
	}
}
