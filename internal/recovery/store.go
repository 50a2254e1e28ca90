package recovery

import (
	"context"

	"github.com/hlsget/hlsget/internal/domain"
)

// SegmentRecord is the durable proof that one segment finished: its decrypted
// size and checksum, recorded before success is ever reported upward.
type SegmentRecord struct {
	Size   int64
	SHA256 string
}

// Session is the persisted recovery state for one task. On resume it is the
// sole source of truth for which segments are already done.
type Session struct {
	TaskID        string
	OutputPath    string
	SegmentCount  int
	MergedThrough int
	Completed     map[int]SegmentRecord
}

// Store persists task submissions and per-segment completion checkpoints.
// Implementations must make MarkComplete durable before returning: a crash
// mid-download may lose the in-flight segment but never a recorded one.
type Store interface {
	SaveTask(ctx context.Context, task *domain.DownloadTask) error
	GetTask(ctx context.Context, id string) (*domain.DownloadTask, error)
	ActiveTasks(ctx context.Context) ([]*domain.DownloadTask, error)

	// Load returns nil when no recovery session exists for the task.
	Load(ctx context.Context, taskID string) (*Session, error)
	Create(ctx context.Context, taskID, outputPath string, segmentCount int) error
	MarkComplete(ctx context.Context, taskID string, index int, size int64, sha256 string) error
	SetMergedThrough(ctx context.Context, taskID string, index int) error
	Discard(ctx context.Context, taskID string) error

	Close() error
}
