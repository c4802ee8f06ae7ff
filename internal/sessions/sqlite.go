package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/pkg/models"
)

// SQLiteStore maps sessions to a relational table with a foreign-key
// messages table. updated_at is maintained by a trigger so both write paths
// (header updates and message appends) stay consistent.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	label       TEXT NOT NULL DEFAULT '',
	agent_id    TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT NOT NULL,
	session_key  TEXT NOT NULL REFERENCES sessions(session_key) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	blocks       TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	tool_name    TEXT NOT NULL DEFAULT '',
	is_error     INTEGER NOT NULL DEFAULT 0,
	timestamp    TEXT NOT NULL,
	metadata     TEXT,
	PRIMARY KEY (session_key, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_key, timestamp);

CREATE TRIGGER IF NOT EXISTS messages_touch_session
AFTER INSERT ON messages
BEGIN
	UPDATE sessions SET updated_at = NEW.timestamp WHERE session_key = NEW.session_key;
END;
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.SessionKey == "" {
		return fmt.Errorf("session requires a key")
	}
	now := time.Now().UTC()
	if sess.Kind == "" {
		sess.Kind = sessionkey.Kind(sess.SessionKey)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = sess.CreatedAt
	meta, err := json.Marshal(orEmptyMeta(sess.Metadata))
	if err != nil {
		return err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE session_key = ?`, sess.SessionKey).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrExists
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, kind, label, agent_id, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionKey, string(sess.Kind), sess.Label, sess.AgentID,
		sess.CreatedAt.Format(time.RFC3339Nano), sess.UpdatedAt.Format(time.RFC3339Nano), string(meta))
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, kind, label, agent_id, created_at, updated_at, metadata
		 FROM sessions WHERE session_key = ?`, key)
	return scanSession(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var kind, createdAt, updatedAt, meta string
	err := row.Scan(&sess.SessionKey, &kind, &sess.Label, &sess.AgentID, &createdAt, &updatedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Kind = models.SessionKind(kind)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &sess.Metadata)
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, key string, upd SessionUpdate) (*models.Session, error) {
	sess, err := s.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if upd.Label != nil {
		sess.Label = *upd.Label
	}
	if upd.AgentID != nil {
		sess.AgentID = *upd.AgentID
	}
	if upd.Metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			sess.Metadata[k] = v
		}
	}
	sess.UpdatedAt = time.Now().UTC()
	meta, err := json.Marshal(orEmptyMeta(sess.Metadata))
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET label = ?, agent_id = ?, updated_at = ?, metadata = ? WHERE session_key = ?`,
		sess.Label, sess.AgentID, sess.UpdatedAt.Format(time.RFC3339Nano), string(meta), key)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, f ListFilter) ([]*models.Session, error) {
	query := `SELECT session_key, kind, label, agent_id, created_at, updated_at, metadata
		 FROM sessions`
	args := []any{}
	if f.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddMessage(ctx context.Context, m *models.SessionMessage) error {
	if m == nil || m.SessionKey == "" {
		return fmt.Errorf("message requires a session key")
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE session_key = ?`, m.SessionKey).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	var blocks, meta []byte
	var err error
	if len(m.Blocks) > 0 {
		if blocks, err = json.Marshal(m.Blocks); err != nil {
			return err
		}
	}
	if len(m.Metadata) > 0 {
		if meta, err = json.Marshal(m.Metadata); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_key, role, content, blocks, tool_call_id, tool_name, is_error, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionKey, string(m.Role), m.Content, nullable(blocks),
		m.ToolCallID, m.ToolName, boolToInt(m.IsError),
		m.Timestamp.Format(time.RFC3339Nano), nullable(meta))
	return err
}

func (s *SQLiteStore) GetMessages(ctx context.Context, key string, limit int, before time.Time) ([]*models.SessionMessage, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE session_key = ?`, key).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, role, content, blocks, tool_call_id, tool_name, is_error, timestamp, metadata
		 FROM messages WHERE session_key = ? ORDER BY timestamp ASC, rowid ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.SessionMessage
	for rows.Next() {
		var m models.SessionMessage
		var role, ts string
		var blocks, meta sql.NullString
		var isError int
		if err := rows.Scan(&m.ID, &m.SessionKey, &role, &m.Content, &blocks, &m.ToolCallID, &m.ToolName, &isError, &ts, &meta); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		m.IsError = isError != 0
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if blocks.Valid && blocks.String != "" {
			_ = json.Unmarshal([]byte(blocks.String), &m.Blocks)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filterMessages(out, limit, before), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
