// Package registry is the durable Task Registry component (SPEC_FULL.md
// §4.9): the single source of truth for every task's lifecycle, backed
// by SQLite the way the corpus's own metadata stores are. Segment-level
// resumption data lives separately in the Resume Store; the registry
// holds the task-level record used by list/get/stats.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
	"github.com/dlforge/dlforge/internal/dbstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	config_json     TEXT NOT NULL,
	progress_json   TEXT NOT NULL,
	metadata_json   TEXT NOT NULL,
	error_json      TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

// Registry is the SQLite-backed Task Registry.
type Registry struct {
	db *dbstore.DB
}

// Open opens (and migrates) the registry database at dbPath.
func Open(dbPath string) (*Registry, error) {
	db, err := dbstore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, coretypes.NewInternalError("creating registry schema", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put inserts or replaces a task record.
func (r *Registry) Put(ctx context.Context, rec *coretypes.TaskRecord) error {
	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return coretypes.NewInternalError("marshaling config", err)
	}
	progJSON, err := json.Marshal(rec.Progress)
	if err != nil {
		return coretypes.NewInternalError("marshaling progress", err)
	}
	metaJSON, err := json.Marshal(rec.ServerMetadata)
	if err != nil {
		return coretypes.NewInternalError("marshaling server metadata", err)
	}
	var errJSON sql.NullString
	if rec.Error != nil {
		b, err := json.Marshal(rec.Error)
		if err != nil {
			return coretypes.NewInternalError("marshaling task error", err)
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, status, config_json, progress_json, metadata_json, error_json, created_at, updated_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				config_json = excluded.config_json,
				progress_json = excluded.progress_json,
				metadata_json = excluded.metadata_json,
				error_json = excluded.error_json,
				updated_at = excluded.updated_at,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at
		`,
			rec.ID, string(rec.Status), string(cfgJSON), string(progJSON), string(metaJSON), errJSON,
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
		)
		if err != nil {
			return coretypes.NewInternalError("writing task record", err)
		}
		return nil
	})
}

// Get fetches a single task record by ID.
func (r *Registry) Get(ctx context.Context, id coretypes.TaskId) (*coretypes.TaskRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, status, config_json, progress_json, metadata_json, error_json, created_at, updated_at, started_at, completed_at
		FROM tasks WHERE id = ?
	`, id)
	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, coretypes.NewNotFoundError(id)
	}
	if err != nil {
		return nil, coretypes.NewInternalError("reading task record", err)
	}
	return rec, nil
}

// List enumerates tasks, optionally filtered by status, newest first.
func (r *Registry) List(ctx context.Context, filter coretypes.ListFilter) ([]*coretypes.TaskRecord, error) {
	query := `
		SELECT id, status, config_json, progress_json, metadata_json, error_json, created_at, updated_at, started_at, completed_at
		FROM tasks
	`
	var args []any
	if filter.Status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coretypes.NewInternalError("listing task records", err)
	}
	defer rows.Close()

	var out []*coretypes.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, coretypes.NewInternalError("scanning task record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a task record. Deleting a non-existent ID is not an error.
func (r *Registry) Delete(ctx context.Context, id coretypes.TaskId) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return coretypes.NewInternalError("deleting task record", err)
	}
	return nil
}

// Stats summarizes task counts by status for the Tool Facade's stats view.
type Stats struct {
	Total       int
	ByStatus    map[coretypes.Status]int
	TotalBytes  int64
	ActiveTasks int
}

func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(json_extract(progress_json, '$.downloaded_size')), 0) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, coretypes.NewInternalError("computing registry stats", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: map[coretypes.Status]int{}}
	for rows.Next() {
		var status string
		var count int
		var bytes int64
		if err := rows.Scan(&status, &count, &bytes); err != nil {
			return nil, coretypes.NewInternalError("scanning registry stats", err)
		}
		s := coretypes.Status(status)
		stats.ByStatus[s] = count
		stats.Total += count
		stats.TotalBytes += bytes
		if s == coretypes.Downloading {
			stats.ActiveTasks += count
		}
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*coretypes.TaskRecord, error) {
	var (
		id, status, cfgJSON, progJSON, metaJSON string
		errJSON                                 sql.NullString
		createdAt, updatedAt                    string
		startedAt, completedAt                  sql.NullString
	)
	if err := row.Scan(&id, &status, &cfgJSON, &progJSON, &metaJSON, &errJSON, &createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	rec := &coretypes.TaskRecord{ID: id, Status: coretypes.Status(status)}
	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(progJSON), &rec.Progress); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.ServerMetadata); err != nil {
		return nil, err
	}
	if errJSON.Valid {
		var taskErr coretypes.TaskError
		if err := json.Unmarshal([]byte(errJSON.String), &taskErr); err != nil {
			return nil, err
		}
		rec.Error = &taskErr
	}

	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		rec.CompletedAt = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
