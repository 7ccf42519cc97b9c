// Package storage contains the persistence layer; this file provides the
// SQLite implementation used for DNS events, verdicts and dashboard reads.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smartguard/pkg/config"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var initialSchema string

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             config.StorageConfig
	metrics         MetricsRecorder
	buffer          chan *DnsEvent
	flushReq        chan chan struct{}
	stmtInsertEvent *sql.Stmt
	stmtUpsertDev   *sql.Stmt
	stmtUpsertStats *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens (or creates) the database at cfg.DatabasePath,
// applies pending migrations and starts the background flush worker.
func NewSQLiteStorage(cfg *config.StorageConfig, metrics MetricsRecorder) (*SQLiteStorage, error) {
	if cfg == nil || cfg.DatabasePath == "" {
		return nil, ErrInvalidConfig
	}

	c := *cfg
	if c.BufferSize < 1 {
		c.BufferSize = 100
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}

	db, err := sql.Open("sqlite", c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection; it also keeps :memory: alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if c.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
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

	s := &SQLiteStorage{
		db:       db,
		cfg:      c,
		metrics:  metrics,
		buffer:   make(chan *DnsEvent, c.BufferSize),
		flushReq: make(chan chan struct{}),
	}

	if err := s.prepare(); err != nil {
		_ = s.closeStatements()
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

func (s *SQLiteStorage) prepare() error {
	var err error

	s.stmtInsertEvent, err = s.db.Prepare(`
		INSERT INTO dns_events (timestamp, client_ip, domain, query_type, category)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.stmtUpsertDev, err = s.db.Prepare(`
		INSERT INTO devices (ip_address, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare device statement: %w", err)
	}

	s.stmtUpsertStats, err = s.db.Prepare(`
		INSERT INTO traffic_stats (client_ip, domain, count, last_accessed)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(client_ip, domain) DO UPDATE SET
			count = count + 1,
			last_accessed = MAX(last_accessed, excluded.last_accessed)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare traffic statement: %w", err)
	}

	return nil
}

// RecordEvent queues a DNS event for the flush worker. It never blocks: a
// full buffer drops the event and returns ErrBufferFull.
func (s *SQLiteStorage) RecordEvent(ctx context.Context, event *DnsEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	e := *event
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.QueryType == "" {
		e.QueryType = "A"
	}

	select {
	case s.buffer <- &e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedEvent(ctx, 1)
		}
		return ErrBufferFull
	}
}

// Flush blocks until every event queued before the call is written.
func (s *SQLiteStorage) Flush(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushWorker batches buffered events and writes them either when the batch
// reaches BatchSize or when FlushInterval elapses. It drains the buffer and
// exits once the buffer is closed.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*DnsEvent, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := s.flushBatch(batch); err != nil {
			slog.Default().Error("Failed to flush event batch",
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

		case done := <-s.flushReq:
			// Drain what is already queued so the caller sees it
			for drained := false; !drained; {
				select {
				case event, ok := <-s.buffer:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, event)
				default:
					drained = true
				}
			}
			flush()
			close(done)

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes events plus their device and traffic rows in a single
// transaction.
func (s *SQLiteStorage) flushBatch(events []*DnsEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := tx.Stmt(s.stmtInsertEvent)
	device := tx.Stmt(s.stmtUpsertDev)
	traffic := tx.Stmt(s.stmtUpsertStats)

	for _, e := range events {
		var category sql.NullString
		if e.Category != "" {
			category = sql.NullString{String: e.Category, Valid: true}
		}

		if _, err := insert.Exec(e.Timestamp, e.ClientIP, e.Domain, e.QueryType, category); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if _, err := device.Exec(e.ClientIP, e.Timestamp, e.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if e.Domain == "" {
			continue
		}
		if _, err := traffic.Exec(e.ClientIP, e.Domain, e.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetRecentEvents returns the most recent events with pagination support
func (s *SQLiteStorage) GetRecentEvents(ctx context.Context, limit, offset int) ([]*DnsEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, query_type, category
		FROM dns_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetEventsByClient returns events from a specific client
func (s *SQLiteStorage) GetEventsByClient(ctx context.Context, clientIP string, limit int) ([]*DnsEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, query_type, category
		FROM dns_events
		WHERE client_ip = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, clientIP, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// SaveVerdict inserts or replaces the verdict for its domain.
func (s *SQLiteStorage) SaveVerdict(ctx context.Context, v *VerdictRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	computedAt := v.ComputedAt
	if computedAt.IsZero() {
		computedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_classifications (domain, category, confidence, risk_level, color, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			category = excluded.category,
			confidence = excluded.confidence,
			risk_level = excluded.risk_level,
			color = excluded.color,
			computed_at = excluded.computed_at
	`, v.Domain, v.Category, v.Confidence, v.RiskLevel, v.Color, computedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetVerdict returns the stored verdict for domain or ErrNotFound.
func (s *SQLiteStorage) GetVerdict(ctx context.Context, domain string) (*VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT domain, category, confidence, risk_level, color, computed_at
		FROM domain_classifications
		WHERE domain = ?
	`, domain)

	v, err := scanVerdict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return v, nil
}

// ListVerdicts returns stored verdicts, most recently computed first.
func (s *SQLiteStorage) ListVerdicts(ctx context.Context, limit, offset int) ([]*VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, category, confidence, risk_level, color, computed_at
		FROM domain_classifications
		ORDER BY computed_at DESC, domain
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	verdicts := make([]*VerdictRecord, 0)
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return verdicts, nil
}

// RecordSystemEvent writes a lifecycle event synchronously.
func (s *SQLiteStorage) RecordSystemEvent(ctx context.Context, eventType, message string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_events (event_type, message, timestamp)
		VALUES (?, ?, ?)
	`, eventType, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetSystemEvents returns lifecycle events, newest first.
func (s *SQLiteStorage) GetSystemEvents(ctx context.Context, limit int) ([]*SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, message, timestamp
		FROM system_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*SystemEvent, 0)
	for rows.Next() {
		var e SystemEvent
		var ts sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		e.Timestamp = parseSQLiteTime(ts.String)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return events, nil
}

// GetTopDomains returns the most queried domains with their stored category.
func (s *SQLiteStorage) GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			e.domain,
			COUNT(*) AS total,
			MIN(e.timestamp) AS first_seen_raw,
			MAX(e.timestamp) AS last_seen_raw,
			c.category
		FROM dns_events e
		LEFT JOIN domain_classifications c ON c.domain = e.domain
		WHERE e.domain != ''
		GROUP BY e.domain
		ORDER BY total DESC, e.domain
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	domains := make([]*DomainStats, 0)
	for rows.Next() {
		var d DomainStats
		var firstRaw, lastRaw, category sql.NullString
		if err := rows.Scan(&d.Domain, &d.QueryCount, &firstRaw, &lastRaw, &category); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		d.FirstQueried = parseSQLiteTime(firstRaw.String)
		d.LastQueried = parseSQLiteTime(lastRaw.String)
		d.Category = category.String
		domains = append(domains, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return domains, nil
}

// GetDevices returns every client seen, most recently active first.
func (s *SQLiteStorage) GetDevices(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			d.ip_address,
			d.first_seen,
			d.last_seen,
			COALESCE((SELECT SUM(t.count) FROM traffic_stats t WHERE t.client_ip = d.ip_address), 0)
		FROM devices d
		ORDER BY d.last_seen DESC, d.ip_address
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	devices := make([]*Device, 0)
	for rows.Next() {
		var d Device
		var first, last sql.NullString
		if err := rows.Scan(&d.IPAddress, &first, &last, &d.QueryCount); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		d.FirstSeen = parseSQLiteTime(first.String)
		d.LastSeen = parseSQLiteTime(last.String)
		devices = append(devices, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return devices, nil
}

// GetStatistics returns event statistics since a given time
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since:      since,
		Until:      time.Now(),
		ByCategory: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT NULLIF(domain, '')),
			COUNT(DISTINCT client_ip),
			COALESCE(SUM(CASE WHEN domain = '' THEN 1 ELSE 0 END), 0)
		FROM dns_events
		WHERE timestamp >= ?
	`, since.UTC()).Scan(
		&stats.TotalQueries,
		&stats.UniqueDomains,
		&stats.UniqueClients,
		&stats.ParseFailures,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(c.category, ?), COUNT(*)
		FROM dns_events e
		LEFT JOIN domain_classifications c ON c.domain = e.domain
		WHERE e.timestamp >= ? AND e.domain != ''
		GROUP BY 1
	`, Unclassified, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		stats.ByCategory[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return stats, nil
}

// Cleanup removes events, traffic rows and system events older than olderThan.
// Verdicts are kept; they are replaced in place once stale.
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	cutoff := olderThan.UTC()
	statements := []string{
		`DELETE FROM dns_events WHERE timestamp < ?`,
		`DELETE FROM traffic_stats WHERE last_accessed < ?`,
		`DELETE FROM system_events WHERE timestamp < ?`,
	}

	var deleted int64
	for _, stmt := range statements {
		result, err := s.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		n, _ := result.RowsAffected()
		deleted += n
	}

	// VACUUM to reclaim space (only if significant deletions)
	if deleted > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			slog.Default().Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", deleted,
			)
		}
	}

	return nil
}

// Close flushes buffered events and closes the database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	_ = s.closeStatements()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) closeStatements() error {
	for _, stmt := range []*sql.Stmt{s.stmtInsertEvent, s.stmtUpsertDev, s.stmtUpsertStats} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return nil
}

// Ping checks if the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerdict(row rowScanner) (*VerdictRecord, error) {
	var v VerdictRecord
	var computedAt sql.NullString
	if err := row.Scan(&v.Domain, &v.Category, &v.Confidence, &v.RiskLevel, &v.Color, &computedAt); err != nil {
		return nil, err
	}
	v.ComputedAt = parseSQLiteTime(computedAt.String)
	return &v, nil
}

func scanEvents(rows *sql.Rows) ([]*DnsEvent, error) {
	events := make([]*DnsEvent, 0)
	for rows.Next() {
		var e DnsEvent
		var ts, category sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.ClientIP, &e.Domain, &e.QueryType, &category); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		e.Timestamp = parseSQLiteTime(ts.String)
		e.Category = category.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return events, nil
}
