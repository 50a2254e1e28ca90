package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrSegmentMissing indicates the origin no longer serves a segment URL
var ErrSegmentMissing = errors.New("segment not found on origin")

// ErrDecryption indicates the cipher rejected the segment payload
var ErrDecryption = errors.New("segment decryption failed")

// ErrValidation indicates a structurally implausible segment
var ErrValidation = errors.New("segment validation failed")

// ErrIntegrity indicates a hard integrity mismatch on a critical segment
var ErrIntegrity = errors.New("segment integrity mismatch")

// ErrMerge indicates the final assembly could not be written
var ErrMerge = errors.New("merge failed")

// ErrorKind buckets failures by how the engine must react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetworkTransient
	KindNetworkPermanent
	KindDecryption
	KindValidation
	KindIntegrity
	KindResourceExhaustion
	KindMerge
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetworkTransient:
		return "network_transient"
	case KindNetworkPermanent:
		return "network_permanent"
	case KindDecryption:
		return "decryption"
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// StatusError preserves the HTTP status of a failed segment fetch so the
// retry policy can tell a 503 from a 404.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// Classify maps an arbitrary pipeline error onto the taxonomy. Unknown
// errors classify as transient so a flaky origin gets the benefit of the
// bounded retry budget rather than an instant permanent failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, ErrSegmentMissing):
		return KindNetworkPermanent
	case errors.Is(err, ErrDecryption):
		return KindDecryption
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrMerge):
		return KindMerge
	case errors.Is(err, syscall.ENOSPC):
		return KindResourceExhaustion
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 429:
			// Rate limited: transient, the backoff will space us out
			return KindNetworkTransient
		case statusErr.Code >= 500:
			return KindNetworkTransient
		case statusErr.Code >= 400:
			return KindNetworkPermanent
		}
	}

	// DNS failures don't heal within a task's retry budget
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetworkPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTransient
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return KindNetworkTransient
	}

	return KindNetworkTransient
}

// Fatal reports whether the kind must fail the whole task immediately.
func (k ErrorKind) Fatal() bool {
	return k == KindResourceExhaustion || k == KindMerge
}
