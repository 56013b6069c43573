package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/busybox42/mailq/internal/delivery"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the SQL differences between the supported drivers
type Dialect struct {
	Driver      string
	numbered    bool // $1, $2 placeholders
	returningID bool
	schema      []string
}

var (
	// DialectSQLite is the default single-node backend
	DialectSQLite = Dialect{
		Driver: "sqlite3",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS queue_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				recipient TEXT NOT NULL,
				subject TEXT NOT NULL,
				body TEXT NOT NULL,
				headers TEXT NOT NULL,
				attachments TEXT NOT NULL,
				priority INTEGER NOT NULL,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				scheduled_at INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				last_attempt_at INTEGER NOT NULL DEFAULT 0,
				sent_at INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_items_select ON queue_items (status, scheduled_at)`,
			`CREATE TABLE IF NOT EXISTS delivery_attempts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				item_id INTEGER NOT NULL,
				run_id TEXT NOT NULL,
				outcome TEXT NOT NULL,
				error TEXT NOT NULL,
				client_host TEXT NOT NULL,
				remote_addr TEXT NOT NULL,
				final INTEGER NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_item ON delivery_attempts (item_id)`,
		},
	}

	// DialectPostgres targets lib/pq
	DialectPostgres = Dialect{
		Driver:      "postgres",
		numbered:    true,
		returningID: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS queue_items (
				id BIGSERIAL PRIMARY KEY,
				recipient TEXT NOT NULL,
				subject TEXT NOT NULL,
				body TEXT NOT NULL,
				headers TEXT NOT NULL,
				attachments TEXT NOT NULL,
				priority INTEGER NOT NULL,
				status VARCHAR(16) NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				scheduled_at BIGINT NOT NULL,
				created_at BIGINT NOT NULL,
				last_attempt_at BIGINT NOT NULL DEFAULT 0,
				sent_at BIGINT NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_items_select ON queue_items (status, scheduled_at)`,
			`CREATE TABLE IF NOT EXISTS delivery_attempts (
				id BIGSERIAL PRIMARY KEY,
				item_id BIGINT NOT NULL,
				run_id VARCHAR(64) NOT NULL,
				outcome VARCHAR(16) NOT NULL,
				error TEXT NOT NULL,
				client_host TEXT NOT NULL,
				remote_addr TEXT NOT NULL,
				final BOOLEAN NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_item ON delivery_attempts (item_id)`,
		},
	}

	// DialectMySQL targets go-sql-driver/mysql
	DialectMySQL = Dialect{
		Driver: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS queue_items (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				recipient VARCHAR(320) NOT NULL,
				subject TEXT NOT NULL,
				body LONGTEXT NOT NULL,
				headers TEXT NOT NULL,
				attachments TEXT NOT NULL,
				priority INT NOT NULL,
				status VARCHAR(16) NOT NULL,
				attempts INT NOT NULL DEFAULT 0,
				max_attempts INT NOT NULL,
				scheduled_at BIGINT NOT NULL,
				created_at BIGINT NOT NULL,
				last_attempt_at BIGINT NOT NULL DEFAULT 0,
				sent_at BIGINT NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL,
				INDEX idx_queue_items_select (status, scheduled_at)
			)`,
			`CREATE TABLE IF NOT EXISTS delivery_attempts (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				item_id BIGINT NOT NULL,
				run_id VARCHAR(64) NOT NULL,
				outcome VARCHAR(16) NOT NULL,
				error TEXT NOT NULL,
				client_host VARCHAR(255) NOT NULL,
				remote_addr VARCHAR(255) NOT NULL,
				final BOOLEAN NOT NULL,
				created_at BIGINT NOT NULL,
				INDEX idx_delivery_attempts_item (item_id)
			)`,
		},
	}
)

// DialectFor returns the dialect registered for a driver name
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

// rebind rewrites ? placeholders for drivers that number them
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const itemColumns = `id, recipient, subject, body, headers, attachments, priority, status,
	attempts, max_attempts, scheduled_at, created_at, last_attempt_at, sent_at, error_message`

// SQLStore implements Store on database/sql
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	closed  atomic.Bool
}

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens the database for driver/dsn and creates the schema if needed
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	if dialect.Driver == "sqlite3" {
		path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
		if dir := filepath.Dir(path); dir != "." && dir != "/" && path != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory for SQLite database: %w", err)
			}
		}
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Driver, err)
	}

	if dialect.Driver == "sqlite3" {
		db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing connection pool and initializes the schema
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "queue-store", "driver", dialect.Driver),
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect.Driver, err)
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	s.logger.Info("queue store ready")
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// Insert persists a new pending item and returns its id
func (s *SQLStore) Insert(ctx context.Context, item *Item) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.Status != StatusPending {
		return 0, fmt.Errorf("%w: new items must be pending, got %s", ErrIllegalTransition, item.Status)
	}

	headers, err := json.Marshal(nonNilStrings(item.Headers))
	if err != nil {
		return 0, fmt.Errorf("failed to encode headers: %w", err)
	}
	attachments, err := json.Marshal(nonNilAttachments(item.Attachments))
	if err != nil {
		return 0, fmt.Errorf("failed to encode attachments: %w", err)
	}

	query := `INSERT INTO queue_items (recipient, subject, body, headers, attachments, priority, status,
		attempts, max_attempts, scheduled_at, created_at, last_attempt_at, sent_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '')`
	args := []any{
		item.Recipient, item.Subject, item.Body, string(headers), string(attachments),
		int(item.Priority), string(item.Status), item.Attempts, item.MaxAttempts,
		toMillis(item.ScheduledAt), toMillis(item.CreatedAt),
	}

	var id int64
	if s.dialect.returningID {
		row := s.db.QueryRowContext(ctx, s.dialect.rebind(query+" RETURNING id"), args...)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to insert queue item: %w", err)
		}
	} else {
		res, err := s.exec(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert queue item: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("failed to read queue item id: %w", err)
		}
	}

	item.ID = id
	return id, nil
}

// Get loads a single item by id
func (s *SQLStore) Get(ctx context.Context, id int64) (Item, error) {
	items, err := s.selectItems(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return items[0], nil
}

// SelectBatch returns eligible pending items ordered by priority, then FIFO, then id
func (s *SQLStore) SelectBatch(ctx context.Context, limit int, now time.Time) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.selectItems(ctx, `SELECT `+itemColumns+` FROM queue_items
		WHERE status = ? AND scheduled_at <= ? AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`, string(StatusPending), toMillis(now), limit)
}

// SelectStale returns sending items claimed before cutoff
func (s *SQLStore) SelectStale(ctx context.Context, cutoff time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.selectItems(ctx, `SELECT `+itemColumns+` FROM queue_items
		WHERE status = ? AND last_attempt_at < ?
		ORDER BY last_attempt_at ASC, id ASC
		LIMIT ?`, string(StatusSending), toMillis(cutoff), limit)
}

// ListByStatus returns items in one state, oldest first
func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Item, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if limit <= 0 {
		limit = 100
	}
	return s.selectItems(ctx, `SELECT `+itemColumns+` FROM queue_items
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, string(status), limit)
}

// MarkSending claims a pending item for one attempt. attempts is the count
// observed when the item was selected; a claim from an outdated snapshot, or
// of an item rescheduled past now, matches no row.
func (s *SQLStore) MarkSending(ctx context.Context, id int64, attempts int, now time.Time) error {
	return s.transition(ctx, id, `UPDATE queue_items SET status = ?, last_attempt_at = ?
		WHERE id = ? AND status = ? AND attempts = ? AND attempts < max_attempts AND scheduled_at <= ?`,
		string(StatusSending), toMillis(now), id, string(StatusPending), attempts, toMillis(now))
}

// MarkSent records a successful attempt
func (s *SQLStore) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	return s.transition(ctx, id, `UPDATE queue_items SET status = ?, sent_at = ?, error_message = ''
		WHERE id = ? AND status = ?`,
		string(StatusSent), toMillis(sentAt), id, string(StatusSending))
}

// Reschedule returns a claimed item to pending with one more attempt recorded.
// The update refuses to reach max_attempts so a pending item always stays selectable.
func (s *SQLStore) Reschedule(ctx context.Context, id int64, nextAttemptAt time.Time, errorMessage string, now time.Time) error {
	return s.transition(ctx, id, `UPDATE queue_items
		SET status = ?, attempts = attempts + 1, scheduled_at = ?, error_message = ?, last_attempt_at = ?
		WHERE id = ? AND status = ? AND attempts + 1 < max_attempts`,
		string(StatusPending), toMillis(nextAttemptAt), failureText(errorMessage), toMillis(now),
		id, string(StatusSending))
}

// MarkFailed records the final failure of a claimed item
func (s *SQLStore) MarkFailed(ctx context.Context, id int64, errorMessage string, now time.Time) error {
	return s.transition(ctx, id, `UPDATE queue_items
		SET status = ?, attempts = max_attempts, error_message = ?, last_attempt_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), failureText(errorMessage), toMillis(now), id, string(StatusSending))
}

// transition runs a conditional update and maps "no row matched" onto an error
func (s *SQLStore) transition(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for item %d: %w", id, err)
	}
	if rows == 1 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: item %d is %s", ErrIllegalTransition, id, current.Status)
}

// StatusCounts returns the number of items per status
func (s *SQLStore) StatusCounts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			counts.Pending = n
		case StatusSending:
			counts.Sending = n
		case StatusSent:
			counts.Sent = n
		case StatusFailed:
			counts.Failed = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

// Purge deletes terminal items (and their attempt logs) older than the cutoff
func (s *SQLStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	cutoff := toMillis(olderThan)
	where := `(status = ? AND sent_at < ?) OR (status = ? AND last_attempt_at < ?)`
	args := []any{string(StatusSent), cutoff, string(StatusFailed), cutoff}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM delivery_attempts WHERE item_id IN (SELECT id FROM queue_items WHERE `+where+`)`), args...); err != nil {
		return 0, fmt.Errorf("failed to purge attempt logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM queue_items WHERE `+where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue items: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purged rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return deleted, nil
}

// AppendAttempt inserts an attempt log row
func (s *SQLStore) AppendAttempt(ctx context.Context, entry AttemptLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO delivery_attempts
		(item_id, run_id, outcome, error, client_host, remote_addr, final, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ItemID, entry.RunID, string(entry.Outcome), entry.Error,
		entry.ClientHost, entry.RemoteAddr, entry.Final, toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append attempt log for item %d: %w", entry.ItemID, err)
	}
	return nil
}

// Attempts returns the attempt logs of an item in insertion order
func (s *SQLStore) Attempts(ctx context.Context, itemID int64) ([]AttemptLog, error) {
	rows, err := s.query(ctx, `SELECT id, item_id, run_id, outcome, error, client_host, remote_addr, final, created_at
		FROM delivery_attempts WHERE item_id = ? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempt logs: %w", err)
	}
	defer rows.Close()

	var logs []AttemptLog
	for rows.Next() {
		var entry AttemptLog
		var outcome string
		var created int64
		if err := rows.Scan(&entry.ID, &entry.ItemID, &entry.RunID, &outcome, &entry.Error,
			&entry.ClientHost, &entry.RemoteAddr, &entry.Final, &created); err != nil {
			return nil, fmt.Errorf("failed to scan attempt log: %w", err)
		}
		entry.Outcome = Outcome(outcome)
		entry.CreatedAt = fromMillis(created)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) selectItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}
	return items, nil
}

func scanItem(rows *sql.Rows) (Item, error) {
	var (
		item                                    Item
		headers, attachments, status            string
		priority                                int
		scheduled, created, lastAttempt, sentAt int64
	)
	if err := rows.Scan(&item.ID, &item.Recipient, &item.Subject, &item.Body, &headers, &attachments,
		&priority, &status, &item.Attempts, &item.MaxAttempts, &scheduled, &created,
		&lastAttempt, &sentAt, &item.ErrorMessage); err != nil {
		return Item{}, fmt.Errorf("failed to scan queue item: %w", err)
	}

	if err := json.Unmarshal([]byte(headers), &item.Headers); err != nil {
		return Item{}, fmt.Errorf("failed to decode headers of item %d: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(attachments), &item.Attachments); err != nil {
		return Item{}, fmt.Errorf("failed to decode attachments of item %d: %w", item.ID, err)
	}

	item.Priority = Priority(priority)
	item.Status = Status(status)
	item.ScheduledAt = fromMillis(scheduled)
	item.CreatedAt = fromMillis(created)
	item.LastAttemptAt = fromMillis(lastAttempt)
	item.SentAt = fromMillis(sentAt)
	return item, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func failureText(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return "delivery failed"
	}
	return msg
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilAttachments(v []delivery.Attachment) []delivery.Attachment {
	if v == nil {
		return []delivery.Attachment{}
	}
	return v
}
