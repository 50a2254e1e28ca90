package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hlsget/hlsget/internal/domain"
)

func partPath(task *domain.DownloadTask) string {
	return task.OutputPath + ".part"
}

// advanceMerge appends the longest contiguous run of finished segments after
// mergedThrough to the partial output, records the new watermark, and frees
// the segment cache files. Segments merge strictly in index order no matter
// what order they were downloaded in; skipped segments advance the watermark
// without contributing bytes.
//
// Durability order matters here: bytes are synced to the part file before the
// watermark moves, and cache files are only removed after the watermark is
// durable. BytesWritten doubles as the known-good length of the part file so
// a crash between sync and watermark gets truncated away on resume.
func (d *Downloader) advanceMerge(ctx context.Context, task *domain.DownloadTask, mergedThrough int) (int, error) {
	last := mergedThrough
	for i := mergedThrough + 1; i < len(task.Segments); i++ {
		if !task.Segments[i].Status.Terminal() {
			break
		}
		last = i
	}
	if last == mergedThrough {
		return mergedThrough, nil
	}

	f, err := os.OpenFile(partPath(task), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return mergedThrough, fmt.Errorf("%w: open partial output: %v", domain.ErrMerge, err)
	}
	defer f.Close()

	written := task.BytesWritten.Load()
	for i := mergedThrough + 1; i <= last; i++ {
		desc := task.Segments[i]
		if !desc.Status.Succeeded() {
			continue // skipped gap
		}
		n, err := appendSegment(f, d.segmentPath(task.ID, desc.Index))
		if err != nil {
			return mergedThrough, fmt.Errorf("%w: segment %d: %v", domain.ErrMerge, desc.Index, err)
		}
		written += uint64(n)
	}

	if err := f.Sync(); err != nil {
		return mergedThrough, fmt.Errorf("%w: sync: %v", domain.ErrMerge, err)
	}

	if err := d.store.SetMergedThrough(ctx, task.ID, last); err != nil {
		return mergedThrough, fmt.Errorf("%w: watermark: %v", domain.ErrMerge, err)
	}
	task.BytesWritten.Store(written)
	if err := d.store.SaveTask(ctx, task); err != nil {
		return mergedThrough, fmt.Errorf("%w: save task: %v", domain.ErrMerge, err)
	}

	for i := mergedThrough + 1; i <= last; i++ {
		os.Remove(d.segmentPath(task.ID, task.Segments[i].Index))
	}

	return last, nil
}

func appendSegment(dst *os.File, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.Copy(dst, src)
}

// finalize promotes the partial file to the real output path. The rename is
// the commit point; everything before it is crash-recoverable.
func (d *Downloader) finalize(task *domain.DownloadTask) error {
	if task.BytesWritten.Load() == 0 {
		return fmt.Errorf("%w: no segments produced any output", domain.ErrMerge)
	}
	if err := os.Rename(partPath(task), task.OutputPath); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMerge, err)
	}
	os.RemoveAll(d.workDir(task.ID))
	return nil
}

// Cleanup removes the work directory and any partial output for a task that
// will never finish.
func (d *Downloader) Cleanup(task *domain.DownloadTask) {
	os.RemoveAll(d.workDir(task.ID))
	os.Remove(partPath(task))
}
