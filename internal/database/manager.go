package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "campuschat/pkg/database"
	"campuschat/pkg/types"
)

const (
	writeQueueSize = 100
	writeTimeout   = 30 * time.Second
	retryBackoff   = 100 * time.Millisecond
)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	stopped      chan struct{} // closed once the writer has drained and exited
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status

	knownUsers sync.Map // userID -> types.IdentityClaim already written
	now        func() time.Time
}

// writeOperation is one transactional unit executed by the writer goroutine
type writeOperation struct {
	ctx       context.Context
	operation func(*sql.Tx) error
	result    chan error
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewManager opens the database and starts the writer goroutine
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Open creates a manager and brings the schema up to date
func Open(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	manager, err := NewManager(config, logger)
	if err != nil {
		return nil, err
	}

	migrations := dbconfig.NewMigrationManager(manager.db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	return manager, nil
}

// Write rejection errors
var (
	ErrClosed       = errors.New("database manager is closed")
	ErrShuttingDown = errors.New("database manager is shutting down") // queued but never executed
)

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			err := m.runWrite(op)
			// FUNCTIONAL DISCOVERY: Only lock contention is transient; constraint failures are final
			if isBusy(err) {
				m.logger.Warn("database write busy, retrying once", "error", err)
				time.Sleep(retryBackoff)
				err = m.runWrite(op)
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down", "pending", m.drainWrites())
			return
		}
	}
}

// drainWrites fails every queued operation without running it
func (m *Manager) drainWrites() int {
	drained := 0
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrShuttingDown
			drained++
		default:
			return drained
		}
	}
}

func (m *Manager) runWrite(op writeOperation) error {
	tx, err := m.db.BeginTx(op.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

	if err := op.operation(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// executeWrite queues a transactional write and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.Tx) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("write operation timeout")
	case <-m.shutdown:
		return ErrShuttingDown
	}

	select {
	case err := <-result:
		return mapError(err)
	case <-m.stopped:
		// The writer sends every result before it exits
		select {
		case err := <-result:
			return mapError(err)
		default:
			return ErrShuttingDown
		}
	}
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	if count == 0 {
		return errors.New("database schema not migrated")
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// isBusy reports SQLite lock contention
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// mapError translates driver constraint failures into domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: record already exists", types.ErrConflict)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: referenced record does not exist", types.ErrNotFound)
	case sqlite3.ErrConstraintCheck:
		return types.NewValidationError("record", "violates a storage constraint")
	}
	return err
}

// placeholders returns "?, ?, ..." for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',', ' ')
		}
		b = append(b, '?')
	}
	return string(b)
}
