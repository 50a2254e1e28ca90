package domain

type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentInFlight  SegmentStatus = "in_flight"
	SegmentValidated SegmentStatus = "validated"
	SegmentVerified  SegmentStatus = "verified"
	SegmentFailed    SegmentStatus = "failed"
	SegmentSkipped   SegmentStatus = "skipped"
)

// Succeeded reports whether the segment's payload is usable for the merge.
func (s SegmentStatus) Succeeded() bool {
	return s == SegmentValidated || s == SegmentVerified
}

// Terminal reports whether the segment will not be dispatched again.
func (s SegmentStatus) Terminal() bool {
	return s.Succeeded() || s == SegmentSkipped
}

// CanTransition encodes the only legal status moves. Statuses go forward
// through pending -> in_flight -> validated -> verified, with failed feeding
// back to pending on retry and skipped closing out best-effort gaps.
func (s SegmentStatus) CanTransition(to SegmentStatus) bool {
	switch s {
	case SegmentPending:
		return to == SegmentInFlight || to == SegmentSkipped
	case SegmentInFlight:
		return to == SegmentValidated || to == SegmentFailed
	case SegmentValidated:
		return to == SegmentVerified || to == SegmentFailed
	case SegmentFailed:
		return to == SegmentPending || to == SegmentSkipped
	default:
		return false
	}
}

// Transition moves the segment to a new status, reporting whether the move
// was a legal one. The new status is applied either way so a checker bug
// degrades to a log line upstream instead of a wedged segment.
func (d *SegmentDescriptor) Transition(to SegmentStatus) bool {
	if d.Status == to {
		return true
	}
	ok := d.Status.CanTransition(to)
	d.Status = to
	return ok
}

// ByteRange maps EXT-X-BYTERANGE onto an HTTP Range request.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// SegmentKey carries the static AES-128 key reference for one segment.
// IV is the segment IV, either explicit from the playlist or derived from
// the media sequence number.
type SegmentKey struct {
	URL string `json:"url"`
	IV  []byte `json:"iv"`
}

// SegmentDescriptor is one addressable chunk of the stream. Index is unique
// within a task and defines the final merge order regardless of the order
// segments finish downloading.
type SegmentDescriptor struct {
	Index     int           `json:"index"`
	URL       string        `json:"url"`
	Host      string        `json:"host"`
	Range     *ByteRange    `json:"range,omitempty"`
	Key       *SegmentKey   `json:"key,omitempty"`
	Duration  float64       `json:"duration"`
	Status    SegmentStatus `json:"status"`

	// Critical marks the segment for the stronger integrity check.
	Critical bool `json:"critical"`

	// ExpectedSHA256 comes from the manifest when the origin publishes one.
	ExpectedSHA256 string `json:"expected_sha256,omitempty"`

	// Filled in after a successful download.
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}
