// Package storage contains the persistence layer; this file provides the
// SQLite implementation used for the audit event log.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sinkhole/pkg/config"
)

//go:embed migrations/001_initial.sql
var initialSchema string

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db         *sql.DB
	cfg        *config.StorageConfig
	metrics    MetricsRecorder
	buffer     chan *Event
	stmtInsert *sql.Stmt
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

// NewSQLiteStore opens (or creates) the audit database, applies pending
// migrations, and starts the background flush worker.
func NewSQLiteStore(cfg *config.StorageConfig, metrics MetricsRecorder) (Store, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO events
		(timestamp, client_ip, client_port, query_name, query_type, query_class, branch, reply_value, classification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	store := &SQLiteStore{
		db:         db,
		cfg:        cfg,
		metrics:    metrics,
		buffer:     make(chan *Event, cfg.BufferSize),
		stmtInsert: stmtInsert,
	}

	store.wg.Add(1)
	go store.flushWorker()

	return store, nil
}

// LogEvent records an audit event (async, buffered)
func (s *SQLiteStore) LogEvent(ctx context.Context, event *Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Non-blocking write to buffer
	select {
	case s.buffer <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Buffer full, drop event and record metric
		if s.metrics != nil {
			s.metrics.AddDroppedEvent(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker drains the event buffer in the background, batching writes
// so that audit logging never blocks query handling. Events are flushed
// when the batch reaches cfg.BatchSize or when cfg.FlushInterval elapses,
// and a final flush happens when the buffer channel closes on shutdown.
func (s *SQLiteStore) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := s.flushBatch(batch); err != nil {
			slog.Default().Error("Failed to flush audit event batch",
				"error", err,
				"batch_size", len(batch),
			)
		}

		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}

			batch = append(batch, event)

			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes a batch of events in a single transaction.
func (s *SQLiteStore) flushBatch(events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsert)

	for _, event := range events {
		_, err := stmt.Exec(
			event.Timestamp,
			event.ClientIP,
			event.ClientPort,
			event.QueryName,
			event.QueryType,
			event.QueryClass,
			event.Branch,
			nullableString(event.ReplyValue),
			event.Classification,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return nil
}

// GetRecentEvents returns the most recent events with pagination support
func (s *SQLiteStore) GetRecentEvents(ctx context.Context, limit, offset int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, client_port, query_name, query_type,
		       query_class, branch, reply_value, classification
		FROM events
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetEventsByClient returns events recorded for a specific client address
func (s *SQLiteStore) GetEventsByClient(ctx context.Context, clientIP string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, client_port, query_name, query_type,
		       query_class, branch, reply_value, classification
		FROM events
		WHERE client_ip = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, clientIP, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetEventsByName returns events recorded for a specific query name
func (s *SQLiteStore) GetEventsByName(ctx context.Context, queryName string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, client_port, query_name, query_type,
		       query_class, branch, reply_value, classification
		FROM events
		WHERE query_name = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, queryName, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// CountEvents returns the total number of events since a given time
func (s *SQLiteStore) CountEvents(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE timestamp >= ?
	`, since).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return count, nil
}

// CountEventsByBranch returns event counts grouped by disposition branch
// since a given time.
func (s *SQLiteStore) CountEventsByBranch(ctx context.Context, since time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT branch, COUNT(*)
		FROM events
		WHERE timestamp >= ?
		GROUP BY branch
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var branch string
		var count int64
		if err := rows.Scan(&branch, &count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		counts[branch] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return counts, nil
}

// Cleanup removes events older than the given cutoff
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE timestamp < ?
	`, olderThan)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	rows, _ := result.RowsAffected()

	// VACUUM only after a large purge to avoid constant churn
	if rows > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			slog.Default().Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", rows,
			)
		}
	}

	return nil
}

// Close flushes buffered events and closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Closing the buffer lets the flush worker drain and exit
	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsert != nil {
		_ = s.stmtInsert.Close()
	}

	return s.db.Close()
}

// Ping checks if the store is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanEvents scans SQL rows into Event structs. Shared by the query
// methods so row handling lives in one place. The caller is responsible
// for closing the rows object.
func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event

	for rows.Next() {
		var e Event
		var replyValue sql.NullString

		err := rows.Scan(
			&e.ID,
			&e.Timestamp,
			&e.ClientIP,
			&e.ClientPort,
			&e.QueryName,
			&e.QueryType,
			&e.QueryClass,
			&e.Branch,
			&replyValue,
			&e.Classification,
		)
		if err != nil {
			return nil, err
		}

		if replyValue.Valid {
			e.ReplyValue = replyValue.String
		}

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
