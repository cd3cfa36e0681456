package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

// RecordStore persists the trace of ended sessions.
type RecordStore interface {
	Insert(ctx context.Context, record chat.SessionRecord) (chat.SessionRecord, error)
	List(ctx context.Context, skip, limit int) ([]chat.SessionRecord, error)
}

// MemoryRecords keeps records in process, for development and tests.
type MemoryRecords struct {
	mu      sync.RWMutex
	records []chat.SessionRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{}
}

func (m *MemoryRecords) Insert(_ context.Context, record chat.SessionRecord) (chat.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.SessionID == record.SessionID {
			return chat.SessionRecord{}, ErrDuplicateRecord
		}
	}
	record.ID = int64(len(m.records) + 1)
	m.records = append(m.records, record)
	return record, nil
}

func (m *MemoryRecords) List(_ context.Context, skip, limit int) ([]chat.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]chat.SessionRecord, 0, limit)
	for i := len(m.records) - 1 - skip; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// sqliteTimeLayout is fixed width so created_at sorts as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	user_data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	ended_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// SQLiteRecords implements RecordStore on a SQLite database file.
type SQLiteRecords struct {
	db *sql.DB
}

// NewSQLiteRecords opens path and ensures the schema exists.
func NewSQLiteRecords(path string) (*SQLiteRecords, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return &SQLiteRecords{db: db}, nil
}

func (s *SQLiteRecords) Close() error {
	return s.db.Close()
}

func (s *SQLiteRecords) Insert(ctx context.Context, record chat.SessionRecord) (chat.SessionRecord, error) {
	userData, err := json.Marshal(record.UserData)
	if err != nil {
		return chat.SessionRecord{}, errors.Wrap(err, "encode user data")
	}

	var endedAt sql.NullString
	if record.EndedAt != nil {
		endedAt = sql.NullString{String: record.EndedAt.UTC().Format(sqliteTimeLayout), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions(session_id, user_data, created_at, ended_at) VALUES(?,?,?,?)",
		record.SessionID, string(userData), record.CreatedAt.UTC().Format(sqliteTimeLayout), endedAt,
	)
	if err != nil {
		return chat.SessionRecord{}, errors.Wrap(err, "insert session record")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return chat.SessionRecord{}, errors.Wrap(err, "read record id")
	}
	record.ID = id
	return record, nil
}

func (s *SQLiteRecords) List(ctx context.Context, skip, limit int) ([]chat.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, user_data, created_at, ended_at FROM sessions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, skip,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query session records")
	}
	defer rows.Close()

	out := []chat.SessionRecord{}
	for rows.Next() {
		var (
			record    chat.SessionRecord
			userData  string
			createdAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.SessionID, &userData, &createdAt, &endedAt); err != nil {
			return nil, errors.Wrap(err, "scan session record")
		}
		if err := json.Unmarshal([]byte(userData), &record.UserData); err != nil {
			return nil, errors.Wrap(err, "decode user data")
		}
		if record.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, errors.Wrap(err, "parse created_at")
		}
		if endedAt.Valid {
			ended, err := time.Parse(sqliteTimeLayout, endedAt.String)
			if err != nil {
				return nil, errors.Wrap(err, "parse ended_at")
			}
			record.EndedAt = &ended
		}
		out = append(out, record)
	}
	return out, errors.Wrap(rows.Err(), "iterate session records")
}
