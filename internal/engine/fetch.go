package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hlsget/hlsget/internal/buffer"
	"github.com/hlsget/hlsget/internal/domain"
	"github.com/hlsget/hlsget/internal/netpool"
	"github.com/hlsget/hlsget/internal/resilience"
)

// fetcher pulls one segment payload over a pooled session. Timeouts come
// from the per-host estimator and every attempt feeds the estimator back,
// so a slow origin stretches its own deadlines instead of burning retries.
type fetcher struct {
	pool      *netpool.Pool
	buffers   *buffer.Manager
	timeouts  *resilience.TimeoutManager
	userAgent string
}

func (f *fetcher) fetch(ctx context.Context, desc *domain.SegmentDescriptor) ([]byte, error) {
	connect, read := f.timeouts.Get(desc.Host)

	sess, err := f.pool.Acquire(ctx, desc.Host, connect)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := f.get(ctx, sess.Client(), desc, read)
	f.timeouts.Record(desc.Host, time.Since(start), err == nil)

	// An HTTP error status means the connection itself is fine
	var statusErr *domain.StatusError
	healthy := err == nil || errors.As(err, &statusErr) || errors.Is(err, domain.ErrSegmentMissing)
	f.pool.Release(sess, healthy)

	return data, err
}

func (f *fetcher) get(ctx context.Context, client *http.Client, desc *domain.SegmentDescriptor, readTimeout time.Duration) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("segment request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	if r := desc.Range; r != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segment fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: status %d for %s", domain.ErrSegmentMissing, resp.StatusCode, desc.URL)
	default:
		return nil, &domain.StatusError{Code: resp.StatusCode, URL: desc.URL}
	}

	var out bytes.Buffer
	if resp.ContentLength > 0 {
		out.Grow(int(resp.ContentLength))
	}

	buf := f.buffers.Get(resp.ContentLength)
	defer f.buffers.Put(buf)

	if _, err := io.CopyBuffer(&out, resp.Body, buf.B); err != nil {
		return nil, fmt.Errorf("segment read: %w", err)
	}
	return out.Bytes(), nil
}
