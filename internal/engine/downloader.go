package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hlsget/hlsget/internal/buffer"
	"github.com/hlsget/hlsget/internal/domain"
	"github.com/hlsget/hlsget/internal/infra/config"
	"github.com/hlsget/hlsget/internal/infra/logger"
	"github.com/hlsget/hlsget/internal/netpool"
	"github.com/hlsget/hlsget/internal/playlist"
	"github.com/hlsget/hlsget/internal/recovery"
	"github.com/hlsget/hlsget/internal/resilience"
	"github.com/hlsget/hlsget/internal/segcrypt"
	"github.com/hlsget/hlsget/internal/segment"
)

// maxPlaylistHops bounds master -> variant indirection.
const maxPlaylistHops = 3

// Downloader executes one task end to end: playlist resolution, the segment
// worker pool, incremental merging, and recovery checkpoints. One Downloader
// is shared by every task so the connection pool, breaker state, and latency
// estimators see traffic from the whole process.
type Downloader struct {
	cfg *config.Config
	log *logger.Logger

	pool      *netpool.Pool
	buffers   *buffer.Manager
	breaker   *resilience.Breaker
	timeouts  *resilience.TimeoutManager
	policy    *resilience.Policy
	keys      *segcrypt.KeyFetcher
	validator *segment.Validator
	verifier  *segment.Verifier
	store     recovery.Store
	parser    *playlist.Parser
	fetch     *fetcher

	// sem caps in-flight segment fetches across all running tasks.
	sem *semaphore.Weighted

	// plain client for playlists and keys; segments go through the pool
	client *http.Client
}

func NewDownloader(cfg *config.Config, log *logger.Logger, store recovery.Store) *Downloader {
	reg := resilience.NewRegistry()

	pool := netpool.New(cfg.Network.MaxPerHost, cfg.Network.MaxTotal,
		cfg.Network.IdleTimeout, cfg.Network.SweepInterval)
	buffers := buffer.NewManager(cfg.Buffer.DefaultSize, cfg.Buffer.MaxSize,
		cfg.Buffer.PressureSoft, cfg.Buffer.PressureHard, cfg.Buffer.MemoryCeiling)
	timeouts := resilience.NewTimeoutManager(reg, cfg.Network.MinTimeout,
		cfg.Network.MaxTimeout, cfg.Network.TimeoutMultiple)

	client := &http.Client{Timeout: cfg.Network.MaxTimeout}

	d := &Downloader{
		cfg:       cfg,
		log:       log.With("downloader"),
		pool:      pool,
		buffers:   buffers,
		breaker:   resilience.NewBreaker(reg, cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown, cfg.Breaker.ProbeInterval),
		timeouts:  timeouts,
		policy:    resilience.NewPolicy(reg),
		keys:      segcrypt.NewKeyFetcher(client),
		validator: segment.NewValidator(0),
		verifier:  segment.NewVerifier(cfg.Integrity.SampleRate),
		store:     store,
		parser:    playlist.NewParser(),
		sem:       semaphore.NewWeighted(int64(cfg.Download.GlobalConcurrency)),
		client:    client,
	}
	d.fetch = &fetcher{
		pool:      pool,
		buffers:   buffers,
		timeouts:  timeouts,
		userAgent: cfg.Network.UserAgent,
	}
	return d
}

// Close releases the shared network resources.
func (d *Downloader) Close() {
	d.pool.Close()
}

// Run drives a task to a terminal state. It returns nil on success, errPaused
// (via IsPaused) when the pause channel fires, the context error on cancel,
// and the causing error on failure. The caller owns status bookkeeping.
func (d *Downloader) Run(ctx context.Context, task *domain.DownloadTask, pause <-chan struct{}, progress func(domain.ProgressSnapshot)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.prepare(runCtx, task); err != nil {
		return err
	}

	merged, err := d.resume(runCtx, task)
	if err != nil {
		return err
	}

	outstanding := 0
	var pending []*segmentJob
	for _, desc := range task.Segments {
		if desc.Status.Terminal() {
			continue
		}
		d.setStatus(desc, domain.SegmentPending)
		outstanding++
		pending = append(pending, &segmentJob{desc: desc})
	}

	d.log.Info("task %s: %d segments, %d already done", task.ID, len(task.Segments), len(task.Segments)-outstanding)

	if outstanding == 0 {
		if merged, err = d.advanceMerge(runCtx, task, merged); err != nil {
			return err
		}
		return d.finalize(task)
	}

	jobs := make(chan *segmentJob)
	results := make(chan *segmentResult, len(task.Segments))
	retries := make(chan *segmentJob, len(task.Segments))

	workers := d.cfg.Download.Concurrency
	if workers > outstanding {
		workers = outstanding
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(runCtx, task, jobs, results)
		}()
	}

	requeue := func(job *segmentJob, delay time.Duration) {
		time.AfterFunc(delay, func() {
			select {
			case retries <- job:
			case <-runCtx.Done():
			}
		})
	}

	tr := newTracker(task)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var failure error
	inFlight := 0
	pausing := false

	for outstanding > 0 && failure == nil {
		if pausing && inFlight == 0 {
			failure = errPaused
			break
		}

		// Only offer work while there is some and we're not winding down
		var jobCh chan *segmentJob
		var next *segmentJob
		if len(pending) > 0 && !pausing {
			jobCh = jobs
			next = pending[0]
		}

		select {
		case <-runCtx.Done():
			failure = runCtx.Err()

		case <-pause:
			pausing = true
			pause = nil

		case jobCh <- next:
			pending = pending[1:]
			inFlight++

		case job := <-retries:
			pending = append(pending, job)

		case <-ticker.C:
			if progress != nil {
				progress(tr.snapshot())
			}

		case res := <-results:
			inFlight--
			merged, outstanding, failure = d.handleResult(runCtx, task, res, tr, requeue, merged, outstanding)
		}
	}

	cancel()
	wg.Wait()

	if failure != nil {
		if progress != nil {
			progress(tr.snapshot())
		}
		return failure
	}

	if merged, err = d.advanceMerge(runCtx, task, merged); err != nil {
		return err
	}
	if merged != len(task.Segments)-1 {
		return fmt.Errorf("%w: stalled at segment %d of %d", domain.ErrMerge, merged+1, len(task.Segments))
	}
	if err := d.finalize(task); err != nil {
		return err
	}
	if progress != nil {
		progress(tr.snapshot())
	}
	return nil
}

// handleResult applies the retry policy to one worker outcome and advances
// the merge watermark on success.
func (d *Downloader) handleResult(ctx context.Context, task *domain.DownloadTask, res *segmentResult,
	tr *tracker, requeue func(*segmentJob, time.Duration), merged, outstanding int) (int, int, error) {

	if res.err == nil {
		outstanding--
		tr.add(res.bytes)
		m, err := d.advanceMerge(ctx, task, merged)
		return m, outstanding, err
	}

	desc := res.desc

	if res.err == errHostBusy {
		if waited := time.Since(res.job.blockedSince); waited > d.cfg.Breaker.HostWait {
			return d.giveUp(ctx, task, res, merged, outstanding,
				fmt.Errorf("host %s unavailable for %s", desc.Host, waited.Round(time.Second)))
		}
		d.setStatus(desc, domain.SegmentPending)
		requeue(res.job, d.cfg.Breaker.ProbeInterval)
		return merged, outstanding, nil
	}

	kind := domain.Classify(res.err)
	task.Error = res.err.Error()

	if kind.Fatal() {
		return merged, outstanding, res.err
	}

	// Consult the policy with the attempts already spent; the increment
	// happens only once the retry is granted, so max_retries means that
	// many re-fetches on top of the first attempt
	if d.policy.ShouldRetry(kind, res.job.attempt, task.MaxRetries) {
		res.job.attempt++
		delay := d.policy.NextDelay(res.job.attempt, desc.Host)
		task.RetryCount.Add(1)
		d.setStatus(desc, domain.SegmentPending)
		d.log.Debug("task %s segment %d: %s (%s), retry %d in %s",
			task.ID, desc.Index, res.err, kind, res.job.attempt, delay.Round(time.Millisecond))
		requeue(res.job, delay)
		return merged, outstanding, nil
	}

	return d.giveUp(ctx, task, res, merged, outstanding, res.err)
}

// giveUp retires a segment that exhausted its options: skipped in best-effort
// mode when it isn't critical, otherwise the whole task fails.
func (d *Downloader) giveUp(ctx context.Context, task *domain.DownloadTask, res *segmentResult,
	merged, outstanding int, cause error) (int, int, error) {

	desc := res.desc
	if d.cfg.Download.BestEffort && !desc.Critical {
		d.log.Warn("task %s: skipping segment %d: %s", task.ID, desc.Index, cause)
		d.setStatus(desc, domain.SegmentSkipped)
		outstanding--
		m, err := d.advanceMerge(ctx, task, merged)
		return m, outstanding, err
	}
	return merged, outstanding, fmt.Errorf("segment %d: %w", desc.Index, cause)
}

// prepare resolves the playlist into the task's segment list, following a
// master playlist to its best variant.
func (d *Downloader) prepare(ctx context.Context, task *domain.DownloadTask) error {
	if len(task.Segments) > 0 {
		return nil // already resolved (resumed in-process)
	}

	target, err := url.Parse(task.PlaylistURL)
	if err != nil {
		return fmt.Errorf("playlist URL: %w", err)
	}

	for hop := 0; hop < maxPlaylistHops; hop++ {
		pl, err := d.fetchPlaylist(ctx, target)
		if err != nil {
			return err
		}
		if pl.Master {
			target = pl.Variant
			continue
		}

		task.Segments = pl.Segments
		if task.KeyURL != "" {
			for _, desc := range task.Segments {
				if desc.Key != nil {
					desc.Key.URL = task.KeyURL
				}
			}
		}
		return nil
	}
	return fmt.Errorf("%w: playlist nesting exceeds %d levels", playlist.ErrParse, maxPlaylistHops)
}

func (d *Downloader) fetchPlaylist(ctx context.Context, target *url.URL) (*playlist.Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("playlist request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.Network.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playlist fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.StatusError{Code: resp.StatusCode, URL: target.String()}
	}

	return d.parser.Parse(resp.Body, target)
}

// resume reconciles the task against its recovery session. Cached segments
// must re-prove themselves: the file has to exist and hash to the recorded
// checksum, otherwise it is thrown away and fetched again. Returns the merge
// watermark to continue from.
func (d *Downloader) resume(ctx context.Context, task *domain.DownloadTask) (int, error) {
	if err := os.MkdirAll(d.workDir(task.ID), 0755); err != nil {
		return -1, err
	}

	sess, err := d.store.Load(ctx, task.ID)
	if err != nil {
		return -1, err
	}

	// A task row without a segment count is a submission that never got a
	// checkpoint session
	if sess != nil && sess.SegmentCount == 0 {
		sess = nil
	}

	if sess != nil && sess.SegmentCount != len(task.Segments) {
		// Playlist changed shape since the checkpoint; start over
		d.log.Warn("task %s: segment count changed %d -> %d, discarding checkpoints",
			task.ID, sess.SegmentCount, len(task.Segments))
		if err := d.store.Discard(ctx, task.ID); err != nil {
			return -1, err
		}
		if err := d.store.SaveTask(ctx, task); err != nil {
			return -1, err
		}
		d.Cleanup(task)
		task.BytesWritten.Store(0)
		sess = nil
	}

	if sess == nil {
		if err := d.store.Create(ctx, task.ID, task.OutputPath, len(task.Segments)); err != nil {
			return -1, err
		}
		return -1, nil
	}

	// Direct assignments below restore recorded facts from the checkpoint
	// store rather than moving segments through the pipeline
	for i := 0; i <= sess.MergedThrough && i < len(task.Segments); i++ {
		task.Segments[i].Status = domain.SegmentVerified
	}

	reclaimed := 0
	for idx, rec := range sess.Completed {
		if idx >= len(task.Segments) {
			continue
		}
		desc := task.Segments[idx]
		path := d.segmentPath(task.ID, idx)
		if verifyCached(path, rec) {
			desc.Status = domain.SegmentValidated
			desc.Size = rec.Size
			desc.SHA256 = rec.SHA256
			reclaimed++
		} else {
			os.Remove(path)
			desc.Status = domain.SegmentPending
		}
	}

	// Drop any unrecorded tail appended after the last durable watermark
	if err := truncatePart(partPath(task), int64(task.BytesWritten.Load())); err != nil {
		return -1, fmt.Errorf("%w: truncate partial output: %v", domain.ErrMerge, err)
	}

	d.log.Info("task %s: resumed, %d merged, %d cached segments verified",
		task.ID, sess.MergedThrough+1, reclaimed)
	return sess.MergedThrough, nil
}

func verifyCached(path string, rec recovery.SegmentRecord) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() != rec.Size {
		return false
	}
	sum, err := domain.HashFile(path)
	return err == nil && sum == rec.SHA256
}

func truncatePart(path string, size int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() > size {
		return os.Truncate(path, size)
	}
	return nil
}

// IsPaused reports whether a Run error means a clean pause.
func IsPaused(err error) bool {
	return err == errPaused
}
