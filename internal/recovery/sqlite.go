package recovery

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/hlsget/hlsget/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the default recovery backend: one WAL-mode database file,
// one transaction per checkpoint.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task *domain.DownloadTask) error {
	// Upsert rather than REPLACE so the checkpoint columns survive routine
	// saves: merged_through belongs to SetMergedThrough and segment_count to
	// Create, and a recovered task is saved before its segment list exists
	query := `INSERT INTO tasks
	          (id, playlist_url, key_url, output_path, priority, max_retries, status, segment_count, bytes_written, error)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	            playlist_url = excluded.playlist_url,
	            key_url = excluded.key_url,
	            output_path = excluded.output_path,
	            priority = excluded.priority,
	            max_retries = excluded.max_retries,
	            status = excluded.status,
	            bytes_written = excluded.bytes_written,
	            error = excluded.error`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.PlaylistURL,
		task.KeyURL,
		task.OutputPath,
		task.Priority,
		task.MaxRetries,
		task.Status,
		len(task.Segments),
		task.BytesWritten.Load(),
		task.Error,
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.DownloadTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, playlist_url, key_url, output_path, priority, max_retries, status, bytes_written, error
		 FROM tasks WHERE id = ? LIMIT 1`, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	return task, err
}

func (s *SQLiteStore) ActiveTasks(ctx context.Context) ([]*domain.DownloadTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, playlist_url, key_url, output_path, priority, max_retries, status, bytes_written, error
		 FROM tasks
		 WHERE status NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.DownloadTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.DownloadTask, error) {
	task := &domain.DownloadTask{}
	var bytesWritten uint64

	err := row.Scan(&task.ID, &task.PlaylistURL, &task.KeyURL, &task.OutputPath,
		&task.Priority, &task.MaxRetries, &task.Status, &bytesWritten, &task.Error)
	if err != nil {
		return nil, err
	}

	task.BytesWritten.Store(bytesWritten)
	return task, nil
}

func (s *SQLiteStore) Load(ctx context.Context, taskID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT output_path, segment_count, merged_through FROM tasks WHERE id = ? LIMIT 1`, taskID)

	sess := &Session{TaskID: taskID, Completed: make(map[int]SegmentRecord)}
	err := row.Scan(&sess.OutputPath, &sess.SegmentCount, &sess.MergedThrough)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recovery session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, size, sha256 FROM segments WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		var rec SegmentRecord
		if err := rows.Scan(&idx, &rec.Size, &rec.SHA256); err != nil {
			return nil, err
		}
		sess.Completed[idx] = rec
	}
	return sess, rows.Err()
}

func (s *SQLiteStore) Create(ctx context.Context, taskID, outputPath string, segmentCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET output_path = ?, segment_count = ? WHERE id = ?`,
		outputPath, segmentCount, taskID)
	return err
}

func (s *SQLiteStore) MarkComplete(ctx context.Context, taskID string, index int, size int64, sha256 string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO segments (task_id, idx, size, sha256) VALUES (?, ?, ?, ?)`,
		taskID, index, size, sha256)
	return err
}

func (s *SQLiteStore) SetMergedThrough(ctx context.Context, taskID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET merged_through = ? WHERE id = ?`, index, taskID); err != nil {
		return err
	}
	// Merged segments live in the output file now; their cache rows are done
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM segments WHERE task_id = ? AND idx <= ?`, taskID, index); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Discard(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
