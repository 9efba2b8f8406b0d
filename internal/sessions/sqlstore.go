package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/turnengine/internal/backoff"
	"github.com/haasonsaas/turnengine/internal/observability"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect string

const (
	// DialectPostgres covers CockroachDB and PostgreSQL via lib/pq.
	DialectPostgres Dialect = "postgres"
	// DialectSQLite covers both the pure-Go and the cgo SQLite drivers.
	DialectSQLite Dialect = "sqlite"
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// rebind rewrites $N placeholders for drivers that only accept '?'.
func (d Dialect) rebind(query string) string {
	if d != DialectSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

// SQLStore implements Store on database/sql. Schema is managed by Migrator.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithMetrics records query latency and status.
func WithMetrics(metrics *observability.Metrics) SQLOption {
	return func(s *SQLStore) { s.metrics = metrics }
}

// WithTracer wraps queries in spans.
func WithTracer(tracer *observability.Tracer) SQLOption {
	return func(s *SQLStore) { s.tracer = tracer }
}

// NewSQLStore wraps an open database. Most callers use NewCockroachStore or
// NewSQLiteStore instead.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying database connection for the migrator.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// pingWithRetry waits for the database to accept connections.
func pingWithRetry(ctx context.Context, db *sql.DB, attempts int) error {
	_, err := backoff.Retry(ctx, backoff.StorePolicy(), attempts, nil, func(int) (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	})
	return err
}

// observe records the outcome of one query.
func (s *SQLStore) observe(ctx context.Context, op, table string, fn func(context.Context) error) error {
	ctx, span := s.tracer.TraceDatabaseQuery(ctx, op, table)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	status := "ok"
	if err != nil && !isNotFound(err) {
		status = "error"
		s.tracer.RecordError(span, err)
	}
	s.metrics.RecordDatabaseQuery(op, table, status, time.Since(start).Seconds())
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrPartNotFound)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = models.NewSessionID()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	session.UpdatedAt = session.CreatedAt

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.observe(ctx, "insert", "sessions", func(ctx context.Context) error {
		_, err := s.exec(ctx, `
			INSERT INTO sessions (id, parent_id, data, cost, tokens_input, tokens_output, tokens_reasoning, tokens_cache_read, tokens_cache_write, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			session.ID,
			session.ParentID,
			string(data),
			session.Cost,
			session.Tokens.Input,
			session.Tokens.Output,
			session.Tokens.Reasoning,
			session.Tokens.CacheRead,
			session.Tokens.CacheWrite,
			session.CreatedAt.UnixMilli(),
			session.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `data, cost, tokens_input, tokens_output, tokens_reasoning, tokens_cache_read, tokens_cache_write`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		data   string
		cost   float64
		tokens models.TokenUsage
	)
	if err := row.Scan(&data, &cost, &tokens.Input, &tokens.Output, &tokens.Reasoning, &tokens.CacheRead, &tokens.CacheWrite); err != nil {
		return nil, err
	}
	session := &models.Session{}
	if err := json.Unmarshal([]byte(data), session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session.Cost = cost
	session.Tokens = tokens
	return session, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.observe(ctx, "select", "sessions", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`), id)
		var err error
		session, err = scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		return nil
	})
	return session, err
}

func (s *SQLStore) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	session.UpdatedAt = s.now()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.observe(ctx, "update", "sessions", func(ctx context.Context) error {
		result, err := s.exec(ctx, `UPDATE sessions SET parent_id = $1, data = $2, updated_at = $3 WHERE id = $4`,
			session.ParentID, string(data), session.UpdatedAt.UnixMilli(), session.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return requireRow(result, fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID))
	})
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	return s.observe(ctx, "delete", "sessions", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM parts WHERE session_id = $1`), id); err != nil {
				return fmt.Errorf("failed to delete parts: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM messages WHERE session_id = $1`), id); err != nil {
				return fmt.Errorf("failed to delete messages: %w", err)
			}
			result, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM sessions WHERE id = $1`), id)
			if err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			return requireRow(result, fmt.Errorf("%w: %s", ErrSessionNotFound, id))
		})
	})
}

func (s *SQLStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT ` + sessionColumns + ` FROM sessions`)
	if opts.ParentID != "" {
		args = append(args, opts.ParentID)
		fmt.Fprintf(&query, ` WHERE parent_id = $%d`, len(args))
	}
	query.WriteString(` ORDER BY updated_at DESC, id DESC`)
	switch {
	case opts.Limit > 0:
		args = append(args, opts.Limit)
		fmt.Fprintf(&query, ` LIMIT $%d`, len(args))
	case opts.Offset > 0 && s.dialect == DialectSQLite:
		query.WriteString(` LIMIT -1`)
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&query, ` OFFSET $%d`, len(args))
	}

	var sessions []*models.Session
	err := s.observe(ctx, "select", "sessions", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query.String()), args...)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("failed to scan session: %w", err)
			}
			sessions = append(sessions, session)
		}
		return rows.Err()
	})
	return sessions, err
}

func (s *SQLStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.observe(ctx, "upsert", "messages", func(ctx context.Context) error {
		_, err := s.exec(ctx, `
			INSERT INTO messages (id, session_id, role, data, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
			msg.ID, msg.SessionID, string(msg.Role), string(data), msg.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		return nil
	})
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	msg := &models.Message{}
	if err := json.Unmarshal([]byte(data), msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	var msg *models.Message
	err := s.observe(ctx, "select", "messages", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT data FROM messages WHERE session_id = $1 AND id = $2`), sessionID, messageID)
		var err error
		msg, err = scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		if err != nil {
			return fmt.Errorf("failed to get message: %w", err)
		}
		return nil
	})
	return msg, err
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	var messages []*models.Message
	err := s.observe(ctx, "select", "messages", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT data FROM messages WHERE session_id = $1 ORDER BY id`), sessionID)
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("failed to scan message: %w", err)
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	return messages, err
}

func (s *SQLStore) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	return s.observe(ctx, "delete", "messages", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM parts WHERE message_id = $1`), messageID); err != nil {
				return fmt.Errorf("failed to delete parts: %w", err)
			}
			result, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM messages WHERE session_id = $1 AND id = $2`), sessionID, messageID)
			if err != nil {
				return fmt.Errorf("failed to delete message: %w", err)
			}
			return requireRow(result, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID))
		})
	})
}

// encodePart splits the streamed text out of the JSON document so deltas
// can be appended in place.
func encodePart(part *models.Part) (data string, text string, err error) {
	stored := part
	if isTextPart(part) {
		stored = part.Clone()
		text = stored.Text.Text
		stored.Text.Text = ""
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal part: %w", err)
	}
	return string(raw), text, nil
}

func (s *SQLStore) UpdatePart(ctx context.Context, part *models.Part) error {
	if part == nil || part.ID == "" {
		return errors.New("part id is required")
	}
	data, text, err := encodePart(part)
	if err != nil {
		return err
	}
	return s.observe(ctx, "upsert", "parts", func(ctx context.Context) error {
		_, err := s.exec(ctx, `
			INSERT INTO parts (id, session_id, message_id, type, data, text)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET data = excluded.data, text = excluded.text`,
			part.ID, part.SessionID, part.MessageID, string(part.Type), data, text)
		if err != nil {
			return fmt.Errorf("failed to update part: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) UpdatePartDelta(ctx context.Context, part *models.Part, delta string) error {
	if !isTextPart(part) {
		return fmt.Errorf("delta update on %s part", part.Type)
	}
	// Deltas may carry metadata such as a reasoning signature; the data
	// column is rewritten alongside the append when the part has any.
	var data string
	if len(part.Text.Metadata) > 0 {
		var err error
		if data, _, err = encodePart(part); err != nil {
			return err
		}
	}
	return s.observe(ctx, "append", "parts", func(ctx context.Context) error {
		var (
			result sql.Result
			err    error
		)
		if data != "" {
			result, err = s.exec(ctx, `UPDATE parts SET data = $1, text = text || $2 WHERE id = $3`, data, delta, part.ID)
		} else {
			result, err = s.exec(ctx, `UPDATE parts SET text = text || $1 WHERE id = $2`, delta, part.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to append part text: %w", err)
		}
		return requireRow(result, fmt.Errorf("%w: %s", ErrPartNotFound, part.ID))
	})
}

func (s *SQLStore) ListParts(ctx context.Context, messageID string) ([]*models.Part, error) {
	var parts []*models.Part
	err := s.observe(ctx, "select", "parts", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT data, text FROM parts WHERE message_id = $1 ORDER BY id`), messageID)
		if err != nil {
			return fmt.Errorf("failed to list parts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data, text string
			if err := rows.Scan(&data, &text); err != nil {
				return fmt.Errorf("failed to scan part: %w", err)
			}
			part := &models.Part{}
			if err := json.Unmarshal([]byte(data), part); err != nil {
				return fmt.Errorf("failed to unmarshal part: %w", err)
			}
			if isTextPart(part) {
				part.Text.Text = text
			}
			parts = append(parts, part)
		}
		return rows.Err()
	})
	return parts, err
}

func (s *SQLStore) AddUsage(ctx context.Context, sessionID string, cost float64, tokens models.TokenUsage) error {
	return s.observe(ctx, "update", "sessions", func(ctx context.Context) error {
		result, err := s.exec(ctx, `
			UPDATE sessions SET
				cost = cost + $1,
				tokens_input = tokens_input + $2,
				tokens_output = tokens_output + $3,
				tokens_reasoning = tokens_reasoning + $4,
				tokens_cache_read = tokens_cache_read + $5,
				tokens_cache_write = tokens_cache_write + $6,
				updated_at = $7
			WHERE id = $8`,
			cost, tokens.Input, tokens.Output, tokens.Reasoning, tokens.CacheRead, tokens.CacheWrite,
			s.now().UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to add usage: %w", err)
		}
		return requireRow(result, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	})
}

func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
