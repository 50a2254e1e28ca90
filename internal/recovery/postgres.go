package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/hlsget/hlsget/internal/domain"
)

// PostgresStore backs recovery state with Postgres for deployments where
// several hlsget instances share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(cfg.ConnConfig); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) runMigrations(connCfg *pgx.ConnConfig) error {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	// golang-migrate drives a database/sql handle; borrow one via the
	// stdlib adapter just for the migration run.
	db := stdlib.OpenDB(*connCfg)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, "pgx", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task *domain.DownloadTask) error {
	// Same column list as the sqlite backend: merged_through belongs to
	// SetMergedThrough and segment_count to Create
	query := `INSERT INTO tasks
	          (id, playlist_url, key_url, output_path, priority, max_retries, status, segment_count, bytes_written, error)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          ON CONFLICT (id) DO UPDATE SET
	            playlist_url = EXCLUDED.playlist_url,
	            key_url = EXCLUDED.key_url,
	            output_path = EXCLUDED.output_path,
	            priority = EXCLUDED.priority,
	            max_retries = EXCLUDED.max_retries,
	            status = EXCLUDED.status,
	            bytes_written = EXCLUDED.bytes_written,
	            error = EXCLUDED.error`

	_, err := s.pool.Exec(ctx, query,
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

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*domain.DownloadTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, playlist_url, key_url, output_path, priority, max_retries, status, bytes_written, error
		 FROM tasks WHERE id = $1 LIMIT 1`, id)

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *PostgresStore) ActiveTasks(ctx context.Context) ([]*domain.DownloadTask, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) Load(ctx context.Context, taskID string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT output_path, segment_count, merged_through FROM tasks WHERE id = $1 LIMIT 1`, taskID)

	sess := &Session{TaskID: taskID, Completed: make(map[int]SegmentRecord)}
	err := row.Scan(&sess.OutputPath, &sess.SegmentCount, &sess.MergedThrough)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recovery session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT idx, size, sha256 FROM segments WHERE task_id = $1`, taskID)
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

func (s *PostgresStore) Create(ctx context.Context, taskID, outputPath string, segmentCount int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET output_path = $1, segment_count = $2 WHERE id = $3`,
		outputPath, segmentCount, taskID)
	return err
}

func (s *PostgresStore) MarkComplete(ctx context.Context, taskID string, index int, size int64, sha256 string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO segments (task_id, idx, size, sha256) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (task_id, idx) DO UPDATE SET size = EXCLUDED.size, sha256 = EXCLUDED.sha256`,
		taskID, index, size, sha256)
	return err
}

func (s *PostgresStore) SetMergedThrough(ctx context.Context, taskID string, index int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET merged_through = $1 WHERE id = $2`, index, taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM segments WHERE task_id = $1 AND idx <= $2`, taskID, index); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Discard(ctx context.Context, taskID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
