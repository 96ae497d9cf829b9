package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/incogthemself/site-snapshot/internal/config"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

// ErrNotFound is returned when a project or file does not exist.
var ErrNotFound = errors.New("not found")

// ProjectUpdate carries the optional fields of a status update. Nil fields are
// left untouched.
type ProjectUpdate struct {
	Phase       *string
	Progress    *int
	Discovered  *int
	Fetched     *int
	Failed      *int
	BytesTotal  *int64
	LastError   *string
	CompletedAt *time.Time
}

// Store persists project and file metadata. Updating project status after each
// progress increment is the only durability mechanism for progress across
// process restarts.
type Store interface {
	CreateProject(ctx context.Context, job types.Job) error
	GetProject(ctx context.Context, id string) (types.Job, error)
	UpdateProjectStatus(ctx context.Context, id string, status types.JobStatus, update ProjectUpdate) error
	CreateFile(ctx context.Context, res types.Resource) error
	FilesByProject(ctx context.Context, projectID string) ([]types.Resource, error)
	Close() error
}

// SQLStore is a relational Store backed by database/sql.
type SQLStore struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLStore initialises a SQLStore from configuration.
func NewSQLStore(cfg config.SQLConfig) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	store := &SQLStore{
		db:          db,
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// CreateProject inserts a new project row.
func (s *SQLStore) CreateProject(ctx context.Context, job types.Job) error {
	query := `
        INSERT INTO projects (id, source_url, strategy, crawl_depth, output_dir, status, phase,
            progress, discovered, fetched, failed, bytes_total, created_at, last_error)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    `
	return s.exec(ctx, query,
		job.ID, job.SourceURL, string(job.Strategy), job.CrawlDepth, job.OutputDir,
		string(job.Status), job.Phase, job.Progress, job.Discovered, job.Fetched,
		job.Failed, job.BytesTotal, job.CreatedAt, job.LastError,
	)
}

// GetProject loads one project row.
func (s *SQLStore) GetProject(ctx context.Context, id string) (types.Job, error) {
	if s == nil || s.db == nil {
		return types.Job{}, ErrNotFound
	}
	query := `
        SELECT id, source_url, strategy, crawl_depth, output_dir, status, phase,
            progress, discovered, fetched, failed, bytes_total, created_at, completed_at, last_error
        FROM projects WHERE id = $1
    `
	var job types.Job
	var strategy, status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.SourceURL, &strategy, &job.CrawlDepth, &job.OutputDir, &status,
		&job.Phase, &job.Progress, &job.Discovered, &job.Fetched, &job.Failed,
		&job.BytesTotal, &job.CreatedAt, &completedAt, &job.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, ErrNotFound
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("select project: %w", err)
	}
	job.Strategy = types.Strategy(strategy)
	job.Status = types.JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// UpdateProjectStatus writes the status plus any provided partial fields.
func (s *SQLStore) UpdateProjectStatus(ctx context.Context, id string, status types.JobStatus, update ProjectUpdate) error {
	sets := []string{"status = $2"}
	args := []any{id, string(status)}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Phase != nil {
		add("phase", *update.Phase)
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.Discovered != nil {
		add("discovered", *update.Discovered)
	}
	if update.Fetched != nil {
		add("fetched", *update.Fetched)
	}
	if update.Failed != nil {
		add("failed", *update.Failed)
	}
	if update.BytesTotal != nil {
		add("bytes_total", *update.BytesTotal)
	}
	if update.LastError != nil {
		add("last_error", *update.LastError)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = $1", strings.Join(sets, ", "))
	return s.exec(ctx, query, args...)
}

// CreateFile records one persisted resource for a project.
func (s *SQLStore) CreateFile(ctx context.Context, res types.Resource) error {
	query := `
        INSERT INTO project_files (project_id, path, source_url, kind, size_bytes, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (project_id, path) DO UPDATE SET
            source_url = EXCLUDED.source_url,
            kind = EXCLUDED.kind,
            size_bytes = EXCLUDED.size_bytes
    `
	return s.exec(ctx, query,
		res.JobID, res.Path, res.SourceURL, string(res.Kind), res.Size, res.CreatedAt,
	)
}

// FilesByProject lists the resources recorded for a project.
func (s *SQLStore) FilesByProject(ctx context.Context, projectID string) ([]types.Resource, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := `
        SELECT project_id, path, source_url, kind, size_bytes, created_at
        FROM project_files WHERE project_id = $1 ORDER BY path
    `
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("select project files: %w", err)
	}
	defer rows.Close()

	var files []types.Resource
	for rows.Next() {
		var res types.Resource
		var kind string
		if err := rows.Scan(&res.JobID, &res.Path, &res.SourceURL, &kind, &res.Size, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project file: %w", err)
		}
		res.Kind = types.Kind(kind)
		files = append(files, res)
	}
	return files, rows.Err()
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if _, retryErr := s.db.ExecContext(ctx, query, args...); retryErr != nil {
				return fmt.Errorf("exec after migrate: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
		    id TEXT PRIMARY KEY,
		    source_url TEXT NOT NULL,
		    strategy TEXT NOT NULL,
		    crawl_depth INT NOT NULL DEFAULT 0,
		    output_dir TEXT,
		    status TEXT NOT NULL,
		    phase TEXT,
		    progress INT NOT NULL DEFAULT 0,
		    discovered INT NOT NULL DEFAULT 0,
		    fetched INT NOT NULL DEFAULT 0,
		    failed INT NOT NULL DEFAULT 0,
		    bytes_total BIGINT NOT NULL DEFAULT 0,
		    created_at TIMESTAMPTZ,
		    completed_at TIMESTAMPTZ,
		    last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS project_files (
		    project_id TEXT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
		    path TEXT NOT NULL,
		    source_url TEXT,
		    kind TEXT,
		    size_bytes BIGINT,
		    created_at TIMESTAMPTZ,
		    PRIMARY KEY (project_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_created_at ON projects (created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
