package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS agent_messages (
        id TEXT PRIMARY KEY,
        created_at TIMESTAMPTZ NOT NULL,
        sender TEXT NOT NULL,
        recipient TEXT NOT NULL,
        message_type TEXT NOT NULL,
        priority TEXT NOT NULL,
        payload JSONB NOT NULL DEFAULT '{}'::jsonb,
        status TEXT NOT NULL,
        correlation_id TEXT NOT NULL,
        expires_at TIMESTAMPTZ,
        processed_at TIMESTAMPTZ
    )`,
	`CREATE INDEX IF NOT EXISTS idx_agent_messages_correlation ON agent_messages (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_messages_status ON agent_messages (status)`,
	`CREATE TABLE IF NOT EXISTS agent_event_log (
        id TEXT PRIMARY KEY,
        logged_at TIMESTAMPTZ NOT NULL,
        level TEXT NOT NULL,
        event TEXT NOT NULL,
        message TEXT NOT NULL,
        details JSONB NOT NULL DEFAULT '{}'::jsonb
    )`,
}

const (
	pgInsertMessage = `
        INSERT INTO agent_messages (id, created_at, sender, recipient, message_type, priority, payload, status, correlation_id, expires_at, processed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	pgUpdateMessage = `
        UPDATE agent_messages SET
            status = COALESCE($2, status),
            payload = COALESCE($3::jsonb, payload),
            processed_at = COALESCE($4, processed_at)
        WHERE id = $1 AND status = ANY($5::text[])`

	pgSelectStatus = `SELECT status FROM agent_messages WHERE id = $1`

	pgSelectMessages = `
        SELECT id, created_at, sender, recipient, message_type, priority, payload, status, correlation_id, expires_at, processed_at
        FROM agent_messages`

	pgInsertLog = `
        INSERT INTO agent_event_log (id, logged_at, level, event, message, details)
        VALUES ($1, $2, $3, $4, $5, $6)`

	pgSelectLogs = `
        SELECT id, logged_at, level, event, message, details
        FROM (SELECT * FROM agent_event_log ORDER BY logged_at DESC LIMIT $1) recent
        ORDER BY logged_at ASC`
)

// PostgresStore provides a PostgreSQL implementation of schemas.MessageStore.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.MessageStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new store instance and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store.postgres"),
	}, nil
}

// EnsureSchema creates the message and audit tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg schemas.AgentMessage) error {
	payload, err := encodeJSONObject(msg.Payload)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, pgInsertMessage,
		msg.ID, msg.CreatedAt.UTC(), msg.Sender, msg.Recipient, msg.MessageType,
		msg.Priority.String(), payload, string(msg.Status), msg.CorrelationID,
		copyTime(msg.ExpiresAt), copyTime(msg.ProcessedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
		}
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// UpdateMessage applies a partial update. The row is only touched while its
// current status may move to the patched one, so the status state machine
// holds without a read-then-write race.
func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, patch schemas.MessagePatch) error {
	var payload interface{}
	if patch.Payload != nil {
		encoded, err := encodeJSONObject(patch.Payload)
		if err != nil {
			return err
		}
		payload = encoded
	}

	tag, err := s.pool.Exec(ctx, pgUpdateMessage,
		id, statusArg(patch.Status), payload, copyTime(patch.ProcessedAt), sourceStatuses(patch.Status))
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing changed: tell a missing message apart from a terminal one.
	var status string
	if err := s.pool.QueryRow(ctx, pgSelectStatus, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return fmt.Errorf("failed to read status of message %s: %w", id, err)
	}
	current := schemas.MessageStatus(status)
	if current.IsTerminal() || patch.Status == nil {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, status)
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrTerminalStatus, id, current, *patch.Status)
}

// sourceStatuses lists the statuses a message may be in for patch target to
// apply. A nil target only requires a non-terminal message.
func sourceStatuses(target *schemas.MessageStatus) []string {
	out := []string{}
	for _, from := range []schemas.MessageStatus{schemas.StatusPending, schemas.StatusProcessing} {
		if target == nil || schemas.CanTransition(from, *target) {
			out = append(out, string(from))
		}
	}
	return out
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry schemas.LogEntry) error {
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
	if _, err := s.pool.Exec(ctx, pgInsertLog,
		entry.ID, entry.Timestamp.UTC(), entry.Level, entry.Event, entry.Message, details); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*schemas.AgentMessage, error) {
	msgs, err := s.queryMessages(ctx, pgSelectMessages+" WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return &msgs[0], nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter schemas.MessageFilter) ([]schemas.AgentMessage, error) {
	query, args := buildMessageQuery(pgSelectMessages, filter, postgresDialect)
	return s.queryMessages(ctx, query, args...)
}

func (s *PostgresStore) ListLogs(ctx context.Context, limit int) ([]schemas.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, pgSelectLogs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	var entries []schemas.LogEntry
	for rows.Next() {
		var e schemas.LogEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Event, &e.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		if e.Details, err = decodeJSONObject(details); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]schemas.AgentMessage, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []schemas.AgentMessage
	for rows.Next() {
		var (
			m           schemas.AgentMessage
			priority    string
			status      string
			payload     []byte
			expiresAt   *time.Time
			processedAt *time.Time
		)
		if err := rows.Scan(&m.ID, &m.CreatedAt, &m.Sender, &m.Recipient, &m.MessageType,
			&priority, &payload, &status, &m.CorrelationID, &expiresAt, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if m.Priority, err = schemas.ParsePriority(priority); err != nil {
			return nil, err
		}
		if m.Payload, err = decodeJSONObject(payload); err != nil {
			return nil, err
		}
		m.Status = schemas.MessageStatus(status)
		m.ExpiresAt = expiresAt
		m.ProcessedAt = processedAt
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return msgs, nil
}

// dialect captures the differences between SQL backends that matter to
// buildMessageQuery.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) interface{}
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) interface{} { return t.UTC() },
}

// buildMessageQuery appends WHERE/ORDER/LIMIT clauses for filter.
func buildMessageQuery(base string, filter schemas.MessageFilter, d dialect) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, d.placeholder(len(args))))
	}
	if filter.CorrelationID != "" {
		add("correlation_id = %s", filter.CorrelationID)
	}
	if filter.Recipient != "" {
		add("recipient = %s", filter.Recipient)
	}
	if filter.Status != "" {
		add("status = %s", string(filter.Status))
	}
	if filter.ExpiredBefore != nil {
		add("expires_at IS NOT NULL AND expires_at < %s", d.timeArg(*filter.ExpiredBefore))
	}

	var sb strings.Builder
	sb.WriteString(base)
	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	sb.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString(" LIMIT " + d.placeholder(len(args)))
	}
	return sb.String(), args
}
