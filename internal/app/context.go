package app

import (
	"context"

	"github.com/hlsget/hlsget/internal/domain"
	"github.com/hlsget/hlsget/internal/infra/config"
	"github.com/hlsget/hlsget/internal/infra/logger"
)

// TaskRequest is a task submission from the API or CLI.
type TaskRequest struct {
	PlaylistURL string `json:"url"`
	KeyURL      string `json:"key_url,omitempty"`
	OutputPath  string `json:"output"`
	Priority    int    `json:"priority"`
	MaxRetries  int    `json:"max_retries"`
}

// Queue is what the API layer sees of the engine, so controllers don't
// import the engine package directly.
type Queue interface {
	Add(ctx context.Context, req TaskRequest) (*domain.DownloadTask, error)
	Get(id string) (*domain.DownloadTask, bool)
	All() []*domain.DownloadTask
	Status(id string) (domain.ProgressSnapshot, bool)
	Pause(id string) bool
	Resume(id string) bool
	Cancel(id string) bool
	Remove(ctx context.Context, id string) error
}

// Notifier receives progress snapshots and terminal events. The GUI (or
// anything else outside this process) subscribes through an implementation
// of this; the engine never talks to a UI directly.
type Notifier interface {
	Progress(snap domain.ProgressSnapshot)
	Completed(taskID string)
	Failed(taskID string, reason string, failedSegments []int)
	Cancelled(taskID string)
}

// Context holds the shared environment: configuration, logging, and the
// high-level services wired together at startup.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Queue    Queue
	Notifier Notifier
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
