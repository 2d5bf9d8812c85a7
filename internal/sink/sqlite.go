package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chat-director/internal/core"
	"github.com/you/chat-director/internal/ingesttrace"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
  id TEXT NOT NULL,
  session_id TEXT NOT NULL DEFAULT '',
  trace_id TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL DEFAULT 'regular',
  author TEXT NOT NULL DEFAULT '',
  author_channel_id TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL DEFAULT '',
  published_at TEXT NOT NULL DEFAULT '',
  is_moderator INTEGER NOT NULL DEFAULT 0,
  is_member INTEGER NOT NULL DEFAULT 0,
  is_verified INTEGER NOT NULL DEFAULT 0,
  superchat_amount TEXT NOT NULL DEFAULT '',
  superchat_currency TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL DEFAULT '{}',
  archived_at TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (session_id, id)
);`

// SQLiteSink is an append-only transcript archive of normalized messages.
// Nothing reads it back into the retention buffer.
type SQLiteSink struct {
	db  *sql.DB
	now func() time.Time
}

const defaultListLimit = 100

func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ctx := context.Background()
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	ApplySQLitePragmas(ctx, db)
	return &SQLiteSink{db: db, now: time.Now}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// Write stores msg under the session recorded in trace. Re-archiving the same
// session/id pair is a no-op.
func (s *SQLiteSink) Write(msg core.ChatMessage, trace *ingesttrace.EventTrace) error {
	const q = `INSERT INTO messages (id, session_id, trace_id, kind, author, author_channel_id, text, published_at,
  is_moderator, is_member, is_verified, superchat_amount, superchat_currency, message_json, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, id) DO NOTHING;`
	var sessionID, traceID string
	if trace != nil {
		sessionID, traceID = trace.SessionID, trace.TraceID
	}
	var amount, currency string
	if msg.SuperChat != nil {
		amount, currency = msg.SuperChat.Amount, msg.SuperChat.Currency
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	_, err = s.db.Exec(q, msg.ID, sessionID, traceID, string(msg.Kind()), msg.Author, msg.AuthorChannelID, msg.Text,
		msg.PublishedAt, boolInt(msg.IsModerator), boolInt(msg.IsMember), boolInt(msg.IsVerified),
		amount, currency, string(payload), s.now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "insert message")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

// CountMessages reports the archived rows for sessionID, or all rows when
// sessionID is empty.
func (s *SQLiteSink) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COUNT(*) FROM messages`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query+";", args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

// ListMessages returns the archived messages of one session in insertion order.
func (s *SQLiteSink) ListMessages(ctx context.Context, sessionID string, limit int) ([]core.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_json FROM messages WHERE session_id = ? ORDER BY rowid ASC LIMIT ?;`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []core.ChatMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		var msg core.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, errors.Wrap(err, "decode message")
		}
		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}
