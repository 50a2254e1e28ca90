package engine

import (
	"errors"
	"time"

	"github.com/hlsget/hlsget/internal/domain"
)

// errPaused signals a clean stop requested through Pause. The dispatcher
// stops feeding work and lets in-flight segments finish before returning it.
var errPaused = errors.New("task paused")

// errHostBusy marks a job the circuit breaker refused. Busy jobs go back in
// the queue without spending a retry attempt.
var errHostBusy = errors.New("host circuit open")

// segmentJob is one unit of work handed to a worker. attempt counts failed
// tries so far; blockedSince is set on the first breaker denial and cleared
// when the host admits the job again.
type segmentJob struct {
	desc         *domain.SegmentDescriptor
	attempt      int
	blockedSince time.Time
}

type segmentResult struct {
	job   *segmentJob
	desc  *domain.SegmentDescriptor
	bytes int64
	err   error
}
