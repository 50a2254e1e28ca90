package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"

	"github.com/hlsget/hlsget/internal/app"
	"github.com/hlsget/hlsget/internal/domain"
	"github.com/hlsget/hlsget/internal/infra/config"
	"github.com/hlsget/hlsget/internal/infra/logger"
	"github.com/hlsget/hlsget/internal/recovery"
)

// ErrTaskActive is returned by Remove for a task that hasn't finished.
var ErrTaskActive = errors.New("task is still active")

type taskState struct {
	task     *domain.DownloadTask
	pause    chan struct{}
	paused   bool
	running  bool
	cancel   context.CancelFunc
	lastSnap *domain.ProgressSnapshot
}

// QueueManager owns the task lifecycle: submissions, priority dispatch,
// pause/resume/cancel, and crash recovery on startup. Tasks run concurrently;
// the downloader's global semaphore keeps total network pressure bounded.
type QueueManager struct {
	cfg      *config.Config
	log      *logger.Logger
	store    recovery.Store
	dl       *Downloader
	notifier app.Notifier

	mu     sync.Mutex
	states map[string]*taskState

	wake chan struct{}
}

func NewQueueManager(cfg *config.Config, log *logger.Logger, store recovery.Store, dl *Downloader, notifier app.Notifier) *QueueManager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &QueueManager{
		cfg:      cfg,
		log:      log.With("queue"),
		store:    store,
		dl:       dl,
		notifier: notifier,
		states:   make(map[string]*taskState),
		wake:     make(chan struct{}, 1),
	}
}

// Start recovers unfinished tasks from the store and begins dispatching.
// It returns once the dispatcher is running; ctx ends it.
func (m *QueueManager) Start(ctx context.Context) error {
	tasks, err := m.store.ActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	m.mu.Lock()
	for _, task := range tasks {
		// A task that was running when the process died starts over from
		// its checkpoints
		if task.Status == domain.TaskRunning {
			task.Status = domain.TaskPending
		}
		m.states[task.ID] = &taskState{
			task:   task,
			pause:  make(chan struct{}),
			paused: task.Status == domain.TaskPaused,
		}
	}
	n := len(m.states)
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("recovered %d unfinished tasks", n)
	}

	go m.dispatch(ctx)
	m.kick()
	return nil
}

// Add validates and persists a new task, then wakes the dispatcher.
func (m *QueueManager) Add(ctx context.Context, req app.TaskRequest) (*domain.DownloadTask, error) {
	u, err := url.Parse(req.PlaylistURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid playlist URL: %q", req.PlaylistURL)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.Download.MaxRetries
	}

	task := &domain.DownloadTask{
		ID:          ksuid.New().String(),
		PlaylistURL: req.PlaylistURL,
		KeyURL:      req.KeyURL,
		OutputPath:  m.outputPath(req.OutputPath, u),
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
		Status:      domain.TaskPending,
	}

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	m.mu.Lock()
	m.states[task.ID] = &taskState{task: task, pause: make(chan struct{})}
	m.mu.Unlock()

	m.log.Info("task %s queued: %s -> %s", task.ID, task.PlaylistURL, task.OutputPath)
	m.kick()
	return task, nil
}

// outputPath derives a destination from the playlist name when the request
// doesn't give one.
func (m *QueueManager) outputPath(requested string, u *url.URL) string {
	if requested != "" {
		if filepath.IsAbs(requested) {
			return requested
		}
		return filepath.Join(m.cfg.Download.OutDir, requested)
	}
	name := strings.TrimSuffix(path.Base(u.Path), ".m3u8")
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	return filepath.Join(m.cfg.Download.OutDir, name+".ts")
}

func (m *QueueManager) Get(id string) (*domain.DownloadTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, false
	}
	return st.task, true
}

func (m *QueueManager) All() []*domain.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.DownloadTask, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *QueueManager) Status(id string) (domain.ProgressSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return domain.ProgressSnapshot{}, false
	}
	if st.lastSnap != nil {
		snap := *st.lastSnap
		snap.Status = st.task.Status
		return snap, true
	}
	return domain.ProgressSnapshot{
		TaskID:        id,
		Status:        st.task.Status,
		BytesDone:     st.task.BytesWritten.Load(),
		SegmentsTotal: len(st.task.Segments),
		RetryCount:    st.task.RetryCount.Load(),
		LastError:     st.task.Error,
	}, true
}

// Pause stops a task after its in-flight segments settle. A pending task
// simply stays out of the dispatcher until resumed.
func (m *QueueManager) Pause(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok || st.task.Status.Terminal() || st.paused {
		return false
	}

	st.paused = true
	if st.running {
		close(st.pause)
	} else {
		st.task.Status = domain.TaskPaused
		m.persist(st.task)
	}
	return true
}

func (m *QueueManager) Resume(id string) bool {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok || !st.paused || st.running {
		m.mu.Unlock()
		return false
	}
	st.paused = false
	st.pause = make(chan struct{})
	st.task.Status = domain.TaskPending
	m.persist(st.task)
	m.mu.Unlock()

	m.kick()
	return true
}

// Cancel aborts a task. In-flight work is dropped; checkpoints and partial
// output are cleaned up once the task settles.
func (m *QueueManager) Cancel(id string) bool {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok || st.task.Status.Terminal() {
		m.mu.Unlock()
		return false
	}

	if st.running {
		cancel := st.cancel
		m.mu.Unlock()
		cancel()
		return true
	}

	st.task.Status = domain.TaskCancelled
	st.paused = false
	m.persist(st.task)
	task := st.task
	m.mu.Unlock()

	m.dl.Cleanup(task)
	m.notifier.Cancelled(id)
	return true
}

// Remove deletes a finished task and everything it left behind.
func (m *QueueManager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if !st.task.Status.Terminal() {
		m.mu.Unlock()
		return ErrTaskActive
	}
	delete(m.states, id)
	task := st.task
	m.mu.Unlock()

	m.dl.Cleanup(task)
	return m.store.Discard(ctx, id)
}

func (m *QueueManager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch launches pending tasks in priority order whenever something
// changes. Tasks run concurrently; fairness across them comes from the
// shared worker semaphore, not from serializing here.
func (m *QueueManager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		m.mu.Lock()
		var ready []*taskState
		for _, st := range m.states {
			if st.task.Status == domain.TaskPending && !st.running && !st.paused {
				ready = append(ready, st)
			}
		}
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].task.Priority > ready[j].task.Priority
		})
		for _, st := range ready {
			st.running = true
		}
		m.mu.Unlock()

		for _, st := range ready {
			go m.runTask(ctx, st)
		}
	}
}

func (m *QueueManager) runTask(ctx context.Context, st *taskState) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	st.cancel = cancel
	st.task.CancelFunc = cancel
	st.task.Status = domain.TaskRunning
	if st.task.StartedAt.IsZero() {
		st.task.StartedAt = time.Now()
	}
	pause := st.pause
	task := st.task
	m.mu.Unlock()

	m.persist(task)

	err := m.dl.Run(runCtx, task, pause, func(snap domain.ProgressSnapshot) {
		m.mu.Lock()
		st.lastSnap = &snap
		m.mu.Unlock()
		m.notifier.Progress(snap)
	})

	// Process shutdown: leave the task as-is, recovery restarts it
	if ctx.Err() != nil && !IsPaused(err) {
		return
	}

	m.mu.Lock()
	st.running = false
	switch {
	case err == nil:
		task.Status = domain.TaskCompleted
	case IsPaused(err):
		task.Status = domain.TaskPaused
	case errors.Is(err, context.Canceled):
		task.Status = domain.TaskCancelled
	default:
		task.Status = domain.TaskFailed
		task.Error = err.Error()
	}
	status := task.Status
	m.mu.Unlock()

	m.persist(task)

	switch status {
	case domain.TaskCompleted:
		m.log.Info("task %s completed: %s written to %s",
			task.ID, humanize.Bytes(task.BytesWritten.Load()), task.OutputPath)
		m.notifier.Completed(task.ID)
	case domain.TaskPaused:
		m.log.Info("task %s paused", task.ID)
	case domain.TaskCancelled:
		m.log.Info("task %s cancelled", task.ID)
		m.dl.Cleanup(task)
		m.notifier.Cancelled(task.ID)
	case domain.TaskFailed:
		m.log.Error("task %s failed: %s", task.ID, task.Error)
		m.notifier.Failed(task.ID, task.Error, unfinishedSegments(task))
	}
}

// persist saves outside the request path; a store hiccup here is logged, not
// propagated, because the in-memory state is still authoritative.
func (m *QueueManager) persist(task *domain.DownloadTask) {
	if err := m.store.SaveTask(context.Background(), task); err != nil {
		m.log.Error("persist task %s: %v", task.ID, err)
	}
}

func unfinishedSegments(task *domain.DownloadTask) []int {
	var out []int
	for _, desc := range task.Segments {
		if !desc.Status.Succeeded() {
			out = append(out, desc.Index)
		}
	}
	return out
}

type nopNotifier struct{}

func (nopNotifier) Progress(domain.ProgressSnapshot) {}
func (nopNotifier) Completed(string)                 {}
func (nopNotifier) Failed(string, string, []int)     {}
func (nopNotifier) Cancelled(string)                 {}
