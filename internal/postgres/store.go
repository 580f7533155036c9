package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/postgres/migrations"
)

// InstanceStore abstracts all database access for task instances.
type InstanceStore interface {
	Create(ctx context.Context, ti *domain.TaskInstance) error
	Get(ctx context.Context, id int) (*domain.TaskInstance, error)
	Upsert(ctx context.Context, u *domain.TaskInstanceUpdate) error
	ListByProcess(ctx context.Context, processInstanceID int) ([]*domain.TaskInstance, error)
}

type store struct {
	pool *pgxpool.Pool
}

// NewInstanceStore wraps a pgxpool with the InstanceStore interface.
func NewInstanceStore(pool *pgxpool.Pool) InstanceStore {
	return &store{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema files in order. The files are
// idempotent, so rerunning is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool, applied func(name string)) error {
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		if applied != nil {
			applied(f)
		}
	}
	return nil
}

func (s *store) Create(ctx context.Context, ti *domain.TaskInstance) error {
	now := time.Now().UTC()
	if ti.CreatedAt.IsZero() {
		ti.CreatedAt = now
	}
	if ti.UpdatedAt.IsZero() {
		ti.UpdatedAt = now
	}
	var definition any
	if len(ti.Definition) > 0 {
		definition = []byte(ti.Definition)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_instances
			(id, process_instance_id, status, worker_address, retry_count,
			 cache_key, definition, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		ti.ID, ti.ProcessInstanceID, string(ti.Status), ti.WorkerAddress, ti.RetryCount,
		ti.CacheKey, definition, ti.CreatedAt, ti.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task instance %d: %w", ti.ID, err)
	}
	return nil
}

// Upsert writes one transition as a single-row update. Nil fields keep
// their stored value.
func (s *store) Upsert(ctx context.Context, u *domain.TaskInstanceUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_instances SET
			status         = $2,
			worker_address = COALESCE($3, worker_address),
			start_time     = COALESCE($4, start_time),
			end_time       = COALESCE($5, end_time),
			execute_path   = COALESCE($6, execute_path),
			log_path       = COALESCE($7, log_path),
			process_id     = COALESCE($8, process_id),
			app_ids        = COALESCE($9, app_ids),
			var_pool       = COALESCE($10, var_pool),
			retry_count    = COALESCE($11, retry_count),
			reason         = COALESCE($12, reason),
			updated_at     = $13
		WHERE id = $1
	`,
		u.TaskInstanceID, string(u.Status),
		u.WorkerAddress, u.StartTime, u.EndTime, u.ExecutePath, u.LogPath,
		u.ProcessID, u.AppIDs, u.VarPool, u.RetryCount, u.Reason,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert task instance %d: %w", u.TaskInstanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskInstanceID: u.TaskInstanceID}
	}
	return nil
}

const selectColumns = `
	SELECT id, process_instance_id, status, worker_address, start_time, end_time,
	       execute_path, log_path, process_id, app_ids, var_pool, retry_count,
	       reason, cache_key, definition, created_at, updated_at
	FROM task_instances`

func (s *store) Get(ctx context.Context, id int) (*domain.TaskInstance, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	ti, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskInstanceID: id}
	}
	return ti, err
}

func (s *store) ListByProcess(ctx context.Context, processInstanceID int) ([]*domain.TaskInstance, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE process_instance_id = $1 ORDER BY id`, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list task instances of process %d: %w", processInstanceID, err)
	}
	defer rows.Close()

	var out []*domain.TaskInstance
	for rows.Next() {
		ti, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// scanInstance reads a task instance row from any pgx row type.
func scanInstance(row interface {
	Scan(...any) error
}) (*domain.TaskInstance, error) {
	var ti domain.TaskInstance
	var status string
	var definition []byte
	err := row.Scan(
		&ti.ID, &ti.ProcessInstanceID, &status, &ti.WorkerAddress, &ti.StartTime, &ti.EndTime,
		&ti.ExecutePath, &ti.LogPath, &ti.ProcessID, &ti.AppIDs, &ti.VarPool, &ti.RetryCount,
		&ti.Reason, &ti.CacheKey, &definition, &ti.CreatedAt, &ti.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task instance: %w", err)
	}
	ti.Status = domain.Status(status)
	ti.Definition = definition
	return &ti, nil
}
