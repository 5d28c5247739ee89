package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLArchive implements Archive and SecretStore on libSQL (embedded SQLite fork).
type LibSQLArchive struct {
	db *sql.DB
}

// NewLibSQLArchive opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLArchive(dbPath string) (*LibSQLArchive, error) {
	if !strings.HasPrefix(dbPath, "file:") && !strings.Contains(dbPath, "://") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLArchive{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (a *LibSQLArchive) DB() *sql.DB { return a.db }

func (a *LibSQLArchive) Close() error { return a.db.Close() }

// Migrate applies the embedded migrations the database has not seen yet.
func (a *LibSQLArchive) Migrate(ctx context.Context) error {
	pending, err := loadMigrations(migrationFS)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load migrations: %s", err.Error()).WithCause(err)
	}
	return runMigrations(ctx, a.db, pending)
}

// --- Executions ---

func (a *LibSQLArchive) SaveExecution(ctx context.Context, report *schema.ExecutionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode execution %s: %s", report.ID, err.Error()).WithCause(err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow, version, owner_id, status, error_code, failed_step, report, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, error_code=excluded.error_code,
		   failed_step=excluded.failed_step, report=excluded.report, completed_at=excluded.completed_at`,
		report.ID, report.Workflow, nullStr(report.Version), report.Owner, string(report.Status),
		nullStr(report.ErrorCode), nullStr(report.FailedStep), string(data),
		timeOrNow(report.StartTime), nullTime(report.EndTime),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save execution %s: %s", report.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (a *LibSQLArchive) GetExecution(ctx context.Context, id string) (*schema.ExecutionReport, error) {
	var data string
	err := a.db.QueryRowContext(ctx, `SELECT report FROM executions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeReport(data)
}

func (a *LibSQLArchive) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionReport, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Owner != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.Owner)
	}
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT report FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*schema.ExecutionReport
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := decodeReport(data)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func decodeReport(data string) (*schema.ExecutionReport, error) {
	var r schema.ExecutionReport
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal execution report: %w", err)
	}
	return &r, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. The read of the next sequence and the insert share a transaction
// on the single connection, so concurrent appends cannot interleave.
func (a *LibSQLArchive) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns events for an execution with sequence > since, ordered by sequence.
func (a *LibSQLArchive) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, execution_id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (a *LibSQLArchive) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (a *LibSQLArchive) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := a.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (a *LibSQLArchive) DeleteSecret(ctx context.Context, key string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("secret", key)
	}
	return nil
}

func (a *LibSQLArchive) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- helpers ---

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
