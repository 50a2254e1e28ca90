package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/hlsget/hlsget/internal/domain"
)

// Verifier runs the stronger integrity check on segments flagged critical.
// With a manifest-declared hash the check is exact; without one it falls
// back to a full structural walk of the container, which catches the
// mid-segment truncation and bit-rot the spot checks miss.
type Verifier struct {
	sampleRate int
}

// NewVerifier samples every rate-th segment for deep verification; zero
// disables sampling so only explicitly flagged segments are verified.
func NewVerifier(sampleRate int) *Verifier {
	return &Verifier{sampleRate: sampleRate}
}

// ShouldVerify reports whether this segment is in the critical set.
func (v *Verifier) ShouldVerify(desc *domain.SegmentDescriptor) bool {
	if desc.Critical || desc.ExpectedSHA256 != "" {
		return true
	}
	return v.sampleRate > 0 && desc.Index%v.sampleRate == 0
}

// Verify returns ErrIntegrity when the payload fails the deep check.
// Not retryable at this layer; the orchestrator decides what a mismatch
// means for the task.
func (v *Verifier) Verify(desc *domain.SegmentDescriptor, data []byte) error {
	if desc.ExpectedSHA256 != "" {
		if got := domain.HashBytes(data); got != desc.ExpectedSHA256 {
			return fmt.Errorf("%w: segment %d hash %s, manifest says %s",
				domain.ErrIntegrity, desc.Index, got[:12], desc.ExpectedSHA256[:12])
		}
		return nil
	}

	if looksLikeTS(data) {
		return verifyTS(desc.Index, data)
	}
	if looksLikeMP4(data) {
		return verifyMP4(desc.Index, data)
	}
	return fmt.Errorf("%w: segment %d has no verifiable structure", domain.ErrIntegrity, desc.Index)
}

// verifyTS requires a sync byte at every packet stride and a whole number
// of packets.
func verifyTS(index int, data []byte) error {
	if len(data)%tsPacketSize != 0 {
		return fmt.Errorf("%w: segment %d length %d not a whole number of TS packets",
			domain.ErrIntegrity, index, len(data))
	}
	for off := 0; off < len(data); off += tsPacketSize {
		if data[off] != tsSyncByte {
			return fmt.Errorf("%w: segment %d lost sync at offset %d",
				domain.ErrIntegrity, index, off)
		}
	}
	return nil
}

// verifyMP4 walks the box chain and requires the declared sizes to tile the
// payload exactly.
func verifyMP4(index int, data []byte) error {
	off := 0
	for off < len(data) {
		if len(data)-off < 8 {
			return fmt.Errorf("%w: segment %d truncated box header at offset %d",
				domain.ErrIntegrity, index, off)
		}
		size := int(binary.BigEndian.Uint32(data[off : off+4]))
		if size == 0 {
			// Box extends to end of file
			return nil
		}
		if size < 8 || off+size > len(data) {
			return fmt.Errorf("%w: segment %d box at offset %d declares %d bytes",
				domain.ErrIntegrity, index, off, size)
		}
		off += size
	}
	return nil
}
