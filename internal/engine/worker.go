package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hlsget/hlsget/internal/domain"
	"github.com/hlsget/hlsget/internal/segcrypt"
)

// worker consumes segment jobs until the context ends or the channel closes.
// The breaker check happens here rather than in the dispatcher so a job for
// a sick host costs a worker almost nothing before it bounces back.
func (d *Downloader) worker(ctx context.Context, task *domain.DownloadTask, jobs <-chan *segmentJob, results chan<- *segmentResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}

			if !d.breaker.Allow(job.desc.Host) {
				if job.blockedSince.IsZero() {
					job.blockedSince = time.Now()
				}
				d.deliver(ctx, results, &segmentResult{job: job, desc: job.desc, err: errHostBusy})
				continue
			}
			job.blockedSince = time.Time{}

			if err := d.sem.Acquire(ctx, 1); err != nil {
				return
			}
			res := d.processSegment(ctx, task, job)
			d.sem.Release(1)

			d.deliver(ctx, results, res)
		}
	}
}

func (d *Downloader) deliver(ctx context.Context, results chan<- *segmentResult, res *segmentResult) {
	select {
	case results <- res:
	case <-ctx.Done():
	}
}

// processSegment runs the full pipeline for one segment: fetch, decrypt,
// validate, verify, persist. Nothing is reported as done until the payload
// is on disk and the checkpoint row is durable.
func (d *Downloader) processSegment(ctx context.Context, task *domain.DownloadTask, job *segmentJob) *segmentResult {
	desc := job.desc
	d.setStatus(desc, domain.SegmentInFlight)

	fail := func(err error) *segmentResult {
		d.setStatus(desc, domain.SegmentFailed)
		return &segmentResult{job: job, desc: desc, err: err}
	}

	data, err := d.fetch.fetch(ctx, desc)
	if err != nil {
		d.breaker.OnFailure(desc.Host)
		return fail(err)
	}
	d.breaker.OnSuccess(desc.Host)

	if desc.Key != nil {
		key, err := d.keys.Get(ctx, desc.Key.URL)
		if err != nil {
			return fail(fmt.Errorf("segment %d key: %w", desc.Index, err))
		}
		if data, err = segcrypt.Decrypt(data, key, desc.Key.IV); err != nil {
			return fail(fmt.Errorf("segment %d: %w", desc.Index, err))
		}
	}

	if rep := d.validator.Validate(desc, data); !rep.OK {
		return fail(fmt.Errorf("segment %d: %w", desc.Index, rep.Err()))
	}
	d.setStatus(desc, domain.SegmentValidated)

	if d.verifier.ShouldVerify(desc) {
		if err := d.verifier.Verify(desc, data); err != nil {
			return fail(err)
		}
		d.setStatus(desc, domain.SegmentVerified)
	}

	sum := domain.HashBytes(data)
	if err := writeSegmentFile(d.segmentPath(task.ID, desc.Index), data); err != nil {
		return fail(err)
	}
	if err := d.store.MarkComplete(ctx, task.ID, desc.Index, int64(len(data)), sum); err != nil {
		return fail(fmt.Errorf("segment %d checkpoint: %w", desc.Index, err))
	}

	desc.Size = int64(len(data))
	desc.SHA256 = sum
	return &segmentResult{job: job, desc: desc, bytes: desc.Size}
}

// setStatus routes runtime status moves through the transition table. An
// illegal move is a bug; the status is still applied so the pipeline keeps
// moving, but it is logged where it happened.
func (d *Downloader) setStatus(desc *domain.SegmentDescriptor, to domain.SegmentStatus) {
	from := desc.Status
	if !desc.Transition(to) {
		d.log.Error("segment %d: illegal status move %s -> %s", desc.Index, from, to)
	}
}

func (d *Downloader) segmentPath(taskID string, index int) string {
	return filepath.Join(d.workDir(taskID), fmt.Sprintf("seg_%05d.ts", index))
}

func (d *Downloader) workDir(taskID string) string {
	return filepath.Join(d.cfg.Download.WorkDir, taskID)
}

// writeSegmentFile stages the decrypted payload through a temp file so a
// crash mid-write never leaves a plausible-looking partial segment behind.
func writeSegmentFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
