package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/continuity/continuity/internal/common/errors"
)

// SQLiteStore persists continuation records in a SQLite database. History
// and quality gate maps are stored as JSON columns; record fields that the
// decision service filters on get their own columns.
type SQLiteStore struct {
	db    *sqlx.DB
	locks *taskLocks
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, locks: newTaskLocks()}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS continuation_records (
		task_id            TEXT PRIMARY KEY,
		session_name       TEXT NOT NULL,
		title              TEXT NOT NULL,
		status             TEXT NOT NULL,
		iterations         INTEGER NOT NULL DEFAULT 0,
		max_iterations     INTEGER NOT NULL,
		consecutive_errors INTEGER NOT NULL DEFAULT 0,
		last_iteration     TIMESTAMP,
		history            TEXT NOT NULL DEFAULT '[]',
		quality_gates      TEXT NOT NULL DEFAULT '{}',
		required_gates     TEXT NOT NULL DEFAULT '[]',
		notes              TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_continuation_records_session
		ON continuation_records(session_name, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// recordRow is the flat database shape of a Record.
type recordRow struct {
	TaskID            string       `db:"task_id"`
	SessionName       string       `db:"session_name"`
	Title             string       `db:"title"`
	Status            string       `db:"status"`
	Iterations        int          `db:"iterations"`
	MaxIterations     int          `db:"max_iterations"`
	ConsecutiveErrors int          `db:"consecutive_errors"`
	LastIteration     sql.NullTime `db:"last_iteration"`
	History           string       `db:"history"`
	QualityGates      string       `db:"quality_gates"`
	RequiredGates     string       `db:"required_gates"`
	Notes             string       `db:"notes"`
}

func marshalStrings(values []string) (string, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toRow(record *Record) (*recordRow, error) {
	history, err := json.Marshal(record.History)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	gates, err := json.Marshal(record.QualityGates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quality gates: %w", err)
	}
	required, err := marshalStrings(record.RequiredGates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal required gates: %w", err)
	}
	notes, err := marshalStrings(record.Notes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notes: %w", err)
	}

	row := &recordRow{
		TaskID:            record.TaskID,
		SessionName:       record.SessionName,
		Title:             record.Title,
		Status:            record.Status,
		Iterations:        record.Iterations,
		MaxIterations:     record.MaxIterations,
		ConsecutiveErrors: record.ConsecutiveErrors,
		History:           string(history),
		QualityGates:      string(gates),
		RequiredGates:     required,
		Notes:             notes,
	}
	if !record.LastIteration.IsZero() {
		row.LastIteration = sql.NullTime{Time: record.LastIteration, Valid: true}
	}
	return row, nil
}

func (r *recordRow) toRecord() (*Record, error) {
	record := &Record{
		TaskID:            r.TaskID,
		SessionName:       r.SessionName,
		Title:             r.Title,
		Status:            r.Status,
		Iterations:        r.Iterations,
		MaxIterations:     r.MaxIterations,
		ConsecutiveErrors: r.ConsecutiveErrors,
	}
	if r.LastIteration.Valid {
		record.LastIteration = r.LastIteration.Time
	}
	if err := json.Unmarshal([]byte(r.History), &record.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	if err := json.Unmarshal([]byte(r.QualityGates), &record.QualityGates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quality gates: %w", err)
	}
	if err := json.Unmarshal([]byte(r.RequiredGates), &record.RequiredGates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal required gates: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Notes), &record.Notes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notes: %w", err)
	}
	if record.QualityGates == nil {
		record.QualityGates = make(map[string]GateResult)
	}
	return record, nil
}

// Get returns the record for a task.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM continuation_records WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return row.toRecord()
}

// Save creates or replaces a record.
func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	l := s.locks.lock(record.TaskID)
	defer l.Unlock()
	return s.upsert(ctx, record)
}

// Update applies fn under the task's lock. A failed fn leaves the row
// unchanged.
func (s *SQLiteStore) Update(ctx context.Context, taskID string, fn func(*Record) error) (*Record, error) {
	l := s.locks.lock(taskID)
	defer l.Unlock()

	record, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.upsert(ctx, record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// FindBySession returns the open record bound to a session.
func (s *SQLiteStore) FindBySession(ctx context.Context, sessionName string) (*Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM continuation_records
		 WHERE session_name = ? AND status = ?
		 ORDER BY task_id LIMIT 1`, sessionName, StatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task for session", sessionName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record by session: %w", err)
	}
	return row.toRecord()
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) upsert(ctx context.Context, record *Record) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO continuation_records (
			task_id, session_name, title, status, iterations, max_iterations,
			consecutive_errors, last_iteration, history, quality_gates,
			required_gates, notes
		) VALUES (
			:task_id, :session_name, :title, :status, :iterations, :max_iterations,
			:consecutive_errors, :last_iteration, :history, :quality_gates,
			:required_gates, :notes
		)
		ON CONFLICT(task_id) DO UPDATE SET
			session_name = excluded.session_name,
			title = excluded.title,
			status = excluded.status,
			iterations = excluded.iterations,
			max_iterations = excluded.max_iterations,
			consecutive_errors = excluded.consecutive_errors,
			last_iteration = excluded.last_iteration,
			history = excluded.history,
			quality_gates = excluded.quality_gates,
			required_gates = excluded.required_gates,
			notes = excluded.notes`, row)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
