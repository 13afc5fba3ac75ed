package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so that TEXT columns sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA cache_size = -64000",
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS agent_messages (
        id TEXT PRIMARY KEY,
        created_at TEXT NOT NULL,
        sender TEXT NOT NULL,
        recipient TEXT NOT NULL,
        message_type TEXT NOT NULL,
        priority TEXT NOT NULL,
        payload TEXT NOT NULL DEFAULT '{}',
        status TEXT NOT NULL,
        correlation_id TEXT NOT NULL,
        expires_at TEXT,
        processed_at TEXT
    )`,
	`CREATE INDEX IF NOT EXISTS idx_agent_messages_correlation ON agent_messages (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_messages_status ON agent_messages (status)`,
	`CREATE TABLE IF NOT EXISTS agent_event_log (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        logged_at TEXT NOT NULL,
        level TEXT NOT NULL,
        event TEXT NOT NULL,
        message TEXT NOT NULL,
        details TEXT NOT NULL DEFAULT '{}'
    )`,
}

const (
	sqliteSelectMessages = `
        SELECT id, created_at, sender, recipient, message_type, priority, payload, status, correlation_id, expires_at, processed_at
        FROM agent_messages`

	sqliteUpdateMessage = `
        UPDATE agent_messages SET
            status = COALESCE(?2, status),
            payload = COALESCE(?3, payload),
            processed_at = COALESCE(?4, processed_at)
        WHERE id = ?1 AND status NOT IN ('COMPLETED', 'FAILED')`
)

var sqliteDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("?%d", n) },
	timeArg:     func(t time.Time) interface{} { return formatSQLiteTime(t) },
}

// SQLiteStore is a single-file MessageStore for deployments without PostgreSQL.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

var _ schemas.MessageStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path, applies pragmas
// and ensures the schema exists.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}

	// A single connection serializes writers and keeps per-connection pragmas
	// in effect for every statement.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	logger.Debug("SQLite store opened", zap.String("path", path))
	return &SQLiteStore{db: db, log: logger.Named("store.sqlite")}, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg schemas.AgentMessage) error {
	payload, err := encodeJSONObject(msg.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO agent_messages (id, created_at, sender, recipient, message_type, priority, payload, status, correlation_id, expires_at, processed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING`,
		msg.ID, formatSQLiteTime(msg.CreatedAt), msg.Sender, msg.Recipient, msg.MessageType,
		msg.Priority.String(), payload, string(msg.Status), msg.CorrelationID,
		nullableTime(msg.ExpiresAt), nullableTime(msg.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, patch schemas.MessagePatch) error {
	var payload interface{}
	if patch.Payload != nil {
		encoded, err := encodeJSONObject(patch.Payload)
		if err != nil {
			return err
		}
		payload = encoded
	}

	current, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, current.Status)
	}
	if patch.Status != nil && !schemas.CanTransition(current.Status, *patch.Status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrTerminalStatus, id, current.Status, *patch.Status)
	}

	res, err := s.db.ExecContext(ctx, sqliteUpdateMessage, id, statusArg(patch.Status), payload, nullableTime(patch.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, current.Status)
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry schemas.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	details, err := encodeJSONObject(entry.Details)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO agent_event_log (id, logged_at, level, event, message, details)
        VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, formatSQLiteTime(entry.Timestamp), entry.Level, entry.Event, entry.Message, details); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*schemas.AgentMessage, error) {
	msgs, err := s.queryMessages(ctx, sqliteSelectMessages+" WHERE id = ?1", id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return &msgs[0], nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, filter schemas.MessageFilter) ([]schemas.AgentMessage, error) {
	query, args := buildMessageQuery(sqliteSelectMessages, filter, sqliteDialect)
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLiteStore) ListLogs(ctx context.Context, limit int) ([]schemas.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, logged_at, level, event, message, details
        FROM (SELECT * FROM agent_event_log ORDER BY seq DESC LIMIT ?)
        ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	var entries []schemas.LogEntry
	for rows.Next() {
		var (
			e         schemas.LogEntry
			timestamp string
			details   string
		)
		if err := rows.Scan(&e.ID, &timestamp, &e.Level, &e.Event, &e.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		if e.Timestamp, err = parseSQLiteTime(timestamp); err != nil {
			return nil, err
		}
		if e.Details, err = decodeJSONObject([]byte(details)); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]schemas.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []schemas.AgentMessage
	for rows.Next() {
		var (
			m           schemas.AgentMessage
			createdAt   string
			priority    string
			payload     string
			status      string
			expiresAt   sql.NullString
			processedAt sql.NullString
		)
		if err := rows.Scan(&m.ID, &createdAt, &m.Sender, &m.Recipient, &m.MessageType,
			&priority, &payload, &status, &m.CorrelationID, &expiresAt, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if m.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, err
		}
		if m.Priority, err = schemas.ParsePriority(priority); err != nil {
			return nil, err
		}
		if m.Payload, err = decodeJSONObject([]byte(payload)); err != nil {
			return nil, err
		}
		m.Status = schemas.MessageStatus(status)
		if m.ExpiresAt, err = parseNullableTime(expiresAt); err != nil {
			return nil, err
		}
		if m.ProcessedAt, err = parseNullableTime(processedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseSQLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
