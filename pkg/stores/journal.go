package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOperationNotFound is returned for an unknown operation id.
var ErrOperationNotFound = errors.New("operation not found")

const (
	operationColumns = `id, instance, operation, status, started_at, completed_at, error, created_at`
	eventColumns     = `id, instance, operation_id, type, timestamp`
)

// JournalConfig locates the journal database and sizes its pool.
type JournalConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Journal is the SQLite history of operations, lifecycle events and usage
// events. It outlives the instances it describes.
type Journal struct {
	db  *sql.DB
	cfg JournalConfig
}

// NewJournal validates cfg. The database is opened by Init.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &Journal{cfg: cfg}, nil
}

// Init opens the database in WAL mode. Several cloudypad processes may share
// one journal, hence the busy timeout.
func (j *Journal) Init(ctx context.Context) error {
	dsn := "file:" + j.cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(j.cfg.MaxOpenConns)
	db.SetMaxIdleConns(j.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(j.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to reach journal: %w", err)
	}
	j.db = db
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Migrate applies the embedded migrations. Running it twice is a no-op.
func (j *Journal) Migrate(_ context.Context) error {
	if j.db == nil {
		return errors.New("journal not initialized")
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to wrap journal for migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate journal: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(r rowScanner) (*Operation, error) {
	op := &Operation{}
	err := r.Scan(&op.ID, &op.Instance, &op.Operation, &op.Status, &op.StartedAt, &op.CompletedAt, &op.Error, &op.CreatedAt)
	return op, err
}

func scanEvent(r rowScanner) (*JournalEvent, error) {
	ev := &JournalEvent{}
	err := r.Scan(&ev.ID, &ev.Instance, &ev.OperationID, &ev.Type, &ev.Timestamp)
	return ev, err
}

// StartOperation journals a running operation on instance.
func (j *Journal) StartOperation(ctx context.Context, instance, operation string) (*Operation, error) {
	now := time.Now().UTC()
	op := &Operation{
		ID:        uuid.NewString(),
		Instance:  instance,
		Operation: operation,
		Status:    OperationStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (`+operationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Instance, op.Operation, op.Status, op.StartedAt, op.CompletedAt, op.Error, op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to journal operation: %w", err)
	}
	return op, nil
}

// CompleteOperation stores the terminal status of operation id.
func (j *Journal) CompleteOperation(ctx context.Context, id string, status OperationStatus, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("operation status %s is not terminal", status)
	}

	res, err := j.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", id, err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return nil
}

func (j *Journal) GetOperation(ctx context.Context, id string) (*Operation, error) {
	op, err := scanOperation(j.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("failed to read operation %s: %w", id, err)
	}
	return op, nil
}

// ListOperations returns operations newest first. A nil instance lists all.
func (j *Journal) ListOperations(ctx context.Context, instance *string, limit, offset int) ([]*Operation, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations
		WHERE (? IS NULL OR instance = ?)
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?`,
		instance, instance, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read operation row: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// AppendEvent stores event and sets its id.
func (j *Journal) AppendEvent(ctx context.Context, event *JournalEvent) error {
	id, err := j.insert(ctx,
		`INSERT INTO events (instance, operation_id, type, timestamp) VALUES (?, ?, ?, ?)`,
		event.Instance, event.OperationID, event.Type, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns lifecycle events newest first. A nil instance lists all.
func (j *Journal) ListEvents(ctx context.Context, instance *string, limit, offset int) ([]*JournalEvent, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		WHERE (? IS NULL OR instance = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`,
		instance, instance, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*JournalEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read event row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (j *Journal) RecordUsage(ctx context.Context, event *UsageEvent) error {
	id, err := j.insert(ctx,
		`INSERT INTO usage_events (install_id, name, properties, timestamp) VALUES (?, ?, ?, ?)`,
		event.InstallID, event.Name, event.Properties, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	event.ID = id
	return nil
}

func (j *Journal) CountUsage(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count usage events: %w", err)
	}
	return n, nil
}

func (j *Journal) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PurgeInstance deletes the operations and events of instance in one
// transaction. Usage events carry no instance and are kept.
func (j *Journal) PurgeInstance(ctx context.Context, instance string) (err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"events", "operations"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance = ?`, instance); err != nil {
			return fmt.Errorf("failed to purge %s of %s: %w", table, instance, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return errors.New("journal not initialized")
	}
	return j.db.PingContext(ctx)
}

var _ JournalStore = (*Journal)(nil)
