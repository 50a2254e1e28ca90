package segment

import (
	"fmt"

	"github.com/hlsget/hlsget/internal/domain"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	// A segment smaller than one TS packet can't carry any media.
	defaultMinSize = tsPacketSize
)

// ValidationReport says whether a downloaded segment is structurally
// plausible, and why not when it isn't.
type ValidationReport struct {
	OK     bool
	Reason string
}

// Validator runs the cheap structural checks every segment goes through:
// non-empty, minimum size, and container sanity for the formats HLS
// actually ships (MPEG-TS and fragmented MP4).
type Validator struct {
	minSize int
}

func NewValidator(minSize int) *Validator {
	if minSize <= 0 {
		minSize = defaultMinSize
	}
	return &Validator{minSize: minSize}
}

func (v *Validator) Validate(desc *domain.SegmentDescriptor, data []byte) ValidationReport {
	if len(data) == 0 {
		return ValidationReport{Reason: "empty segment"}
	}

	if len(data) < v.minSize {
		return ValidationReport{Reason: fmt.Sprintf("segment %d bytes, below minimum %d", len(data), v.minSize)}
	}

	if looksLikeTS(data) || looksLikeMP4(data) {
		return ValidationReport{OK: true}
	}

	return ValidationReport{Reason: "unrecognized container format"}
}

// Err converts a failed report into the taxonomy error.
func (r ValidationReport) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, r.Reason)
}

// looksLikeTS spot-checks sync bytes at the first few packet strides.
func looksLikeTS(data []byte) bool {
	if data[0] != tsSyncByte {
		return false
	}
	for i := 1; i <= 3; i++ {
		off := i * tsPacketSize
		if off >= len(data) {
			break
		}
		if data[off] != tsSyncByte {
			return false
		}
	}
	return true
}

// looksLikeMP4 checks for a leading ISO-BMFF box header.
func looksLikeMP4(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	switch string(data[4:8]) {
	case "ftyp", "styp", "moof", "moov", "sidx", "free", "mdat":
		return true
	}
	return false
}
