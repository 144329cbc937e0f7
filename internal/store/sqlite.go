package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/hexrelay/internal/envelope"
)

// SQLiteStore is the embedded file-backed Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	o := buildOptions(opts)

	memory := path == ":memory:"
	dsn := path
	if !memory {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if err := applyMigrations(db, sqliteMigrations, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &SQLiteStore{db: db, now: o.now}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, room string, env envelope.Envelope) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, errors.Wrap(err, "store.sqlite.Append: begin")
	}
	defer func() { _ = tx.Rollback() }()

	nuked, err := isNukedTx(ctx, tx, room)
	if err != nil {
		return Message{}, errors.Wrap(err, "store.sqlite.Append: tombstone check")
	}
	if nuked {
		return Message{}, ErrRoomNuked
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
INSERT INTO room_sequences (room, last_id) VALUES (?, 1)
ON CONFLICT (room) DO UPDATE SET last_id = last_id + 1
RETURNING last_id`, room).Scan(&id); err != nil {
		return Message{}, errors.Wrap(err, "store.sqlite.Append: next id")
	}

	msg := Message{
		ID:        id,
		Room:      room,
		User:      env.User,
		UserIV:    env.UserIV,
		Content:   env.Content,
		IV:        env.IV,
		Timestamp: stamp(s.now()),
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (room, id, sender, sender_iv, content, iv, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Room, msg.ID, msg.User, msg.UserIV, msg.Content, msg.IV, toMicros(msg.Timestamp)); err != nil {
		return Message{}, errors.Wrap(err, "store.sqlite.Append: insert message")
	}
	if err := tx.Commit(); err != nil {
		return Message{}, errors.Wrap(err, "store.sqlite.Append: commit")
	}
	return msg, nil
}

func isNukedTx(ctx context.Context, tx *sql.Tx, room string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM nuked_rooms WHERE room = ?`, room).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, room string, q Query) ([]Message, error) {
	q = q.Normalize()

	var b strings.Builder
	args := []any{room, room}
	b.WriteString(`
SELECT room, id, sender, sender_iv, content, iv, created_at
FROM messages
WHERE room = ?
  AND NOT EXISTS (SELECT 1 FROM nuked_rooms WHERE nuked_rooms.room = ?)`)
	if q.SinceID != nil {
		b.WriteString("\n  AND id > ?")
		args = append(args, *q.SinceID)
	}
	if q.SinceTS != nil {
		b.WriteString("\n  AND created_at > ?")
		args = append(args, toMicros(*q.SinceTS))
	}
	b.WriteString("\nORDER BY " + orderClause(q) + "\nLIMIT ?")
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "store.sqlite.Query")
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.Room, &m.ID, &m.User, &m.UserIV, &m.Content, &m.IV, &ts); err != nil {
			return nil, errors.Wrap(err, "store.sqlite.Query: scan")
		}
		m.Timestamp = fromMicros(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "store.sqlite.Query: rows")
	}
	return out, nil
}

// orderClause renders a normalized query's ordering. Only whitelisted
// identifiers reach the SQL text.
func orderClause(q Query) string {
	dir := "ASC"
	if q.Order == Desc {
		dir = "DESC"
	}
	if q.Sort == SortTimestamp {
		return "created_at " + dir + ", id " + dir
	}
	return "id " + dir
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, room string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE room = ?`, room).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "store.sqlite.Count")
	}
	return n, nil
}

// DeleteRoom implements Store.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, room string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room = ?`, room)
	if err != nil {
		return 0, errors.Wrap(err, "store.sqlite.DeleteRoom")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store.sqlite.DeleteRoom: rows affected")
	}
	return n, nil
}

// Nuke implements Store.
func (s *SQLiteStore) Nuke(ctx context.Context, room string) (NukeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NukeResult{}, errors.Wrap(err, "store.sqlite.Nuke: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room = ?`, room)
	if err != nil {
		return NukeResult{}, errors.Wrap(err, "store.sqlite.Nuke: delete messages")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return NukeResult{}, errors.Wrap(err, "store.sqlite.Nuke: rows affected")
	}

	res, err = tx.ExecContext(ctx, `
INSERT INTO nuked_rooms (room, nuked_at) VALUES (?, ?)
ON CONFLICT (room) DO NOTHING`, room, toMicros(stamp(s.now())))
	if err != nil {
		return NukeResult{}, errors.Wrap(err, "store.sqlite.Nuke: tombstone")
	}
	created, err := res.RowsAffected()
	if err != nil {
		return NukeResult{}, errors.Wrap(err, "store.sqlite.Nuke: rows affected")
	}

	if err := tx.Commit(); err != nil {
		return NukeResult{}, errors.Wrap(err, "store.sqlite.Nuke: commit")
	}
	return NukeResult{Deleted: deleted, Created: created > 0}, nil
}

// IsNuked implements Store.
func (s *SQLiteStore) IsNuked(ctx context.Context, room string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM nuked_rooms WHERE room = ?`, room).Scan(&n); err != nil {
		return false, errors.Wrap(err, "store.sqlite.IsNuked")
	}
	return n > 0, nil
}

// ExpireOlderThan implements Store.
func (s *SQLiteStore) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, toMicros(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "store.sqlite.ExpireOlderThan")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store.sqlite.ExpireOlderThan: rows affected")
	}
	return n, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
