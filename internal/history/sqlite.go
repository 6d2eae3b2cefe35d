package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/chatbot-go/internal/broadcast"
	"github.com/comigor/chatbot-go/internal/chat"
)

const schema = `CREATE TABLE IF NOT EXISTS chat_message (
    id        TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    text      TEXT NOT NULL,
    framed    TEXT NOT NULL,
    author    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_message_timestamp ON chat_message (timestamp);`

// An update in place keeps the rowid, so a replaced row keeps its place among
// equal timestamps.
const upsertMessage = `INSERT INTO chat_message (id, timestamp, text, framed, author) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET timestamp = excluded.timestamp, text = excluded.text, framed = excluded.framed, author = excluded.author;`

// SQLiteStore keeps messages in a single SQLite table.
type SQLiteStore struct {
	db      *sql.DB
	changes *broadcast.Hub[struct{}]

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for throwaway stores.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_busy_timeout=10000&_fk=1"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// one writer at a time; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_message table: %w", err)
	}

	return &SQLiteStore{db: db, changes: broadcast.New[struct{}]()}, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context) (<-chan []chat.Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return watch(ctx, s.changes, s.list), nil
}

func (s *SQLiteStore) list(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, text, framed, author FROM chat_message ORDER BY timestamp ASC, rowid ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m      chat.Message
			ts     int64
			author string
		)
		if err := rows.Scan(&m.ID, &ts, &m.Text, &m.Framed, &author); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Author = chat.Author(author)
		m.Timestamp = time.Unix(0, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, msg chat.Message) (string, error) {
	ids, err := s.AddMessages(ctx, []chat.Message{msg})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *SQLiteStore) AddMessages(ctx context.Context, msgs []chat.Message) ([]string, error) {
	msgs = withIDs(msgs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin insert: %w", err))
	}
	stmt, err := tx.PrepareContext(ctx, upsertMessage)
	if err != nil {
		tx.Rollback()
		return nil, classify(fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.ID, m.Timestamp.UnixNano(), m.Text, m.Framed, string(m.Author)); err != nil {
			tx.Rollback()
			return nil, classify(fmt.Errorf("insert message %q: %w", m.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("commit insert: %w", err))
	}

	s.changes.Publish(struct{}{})
	return ids(msgs), nil
}

func (s *SQLiteStore) DeleteAllMessages(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_message;`); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	s.changes.Publish(struct{}{})
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.changes.Close()
		err = s.db.Close()
	})
	return err
}
