package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
`

const sqliteSweepInterval = 5 * time.Minute

// SQLiteStore persists entries in a SQLite database. Suitable for
// deployments where instances share a volume. Expiry is enforced on read and
// by a periodic delete; expires_at is unix milliseconds, 0 means no expiry.
type SQLiteStore struct {
	db   *sql.DB
	stop chan struct{}
	once sync.Once
}

// NewSQLiteStore opens (creating if needed) the store database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}
	if _, err := db.Exec(createKVTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate kv db: %w", err)
	}

	s := &SQLiteStore{db: db, stop: make(chan struct{})}
	go s.sweepLoop()
	return s, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}

	if expiresAt > 0 && time.Now().UnixMilli() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Close stops the sweep goroutine and closes the database.
func (s *SQLiteStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return s.db.Close()
}

func (s *SQLiteStore) sweepLoop() {
	ticker := time.NewTicker(sqliteSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.db.Exec(`DELETE FROM kv_entries WHERE expires_at > 0 AND expires_at < ?`,
				time.Now().UnixMilli())
		}
	}
}
