package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage persists partitions in a single SQLite database.
// Entry bytes are stored zstd-compressed.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqlitePartition struct {
	name    string
	storage *SQLiteStorage
}

// memoryDBs numbers the in-memory databases so that every storage gets its own.
var memoryDBs atomic.Int64

// NewSQLiteStorage opens (or creates) the database with the given file name.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:offline-cache-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT,
			key TEXT,
			stored_at INTEGER,
			size INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (partition, stored_at)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite storage: %w", err)
		}
	}
	// databases created before the size column existed
	if _, err := db.Exec("ALTER TABLE entries ADD COLUMN size INTEGER"); err != nil && !strings.Contains(err.Error(), "duplicate column") {
		db.Close()
		return nil, fmt.Errorf("init sqlite storage: %w", err)
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.ensurePartition(ctx, name); err != nil {
		return nil, err
	}
	return &sqlitePartition{name: name, storage: s}, nil
}

func (s *SQLiteStorage) ensurePartition(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	return err
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY created_at, rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Get(ctx context.Context, key string) (Entry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := p.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, key).Scan(&storedAt, &bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	raw, err := decompress(bytes)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decompress %s: %w", key, err)
	}
	return Entry{
		Key:      key,
		StoredAt: time.Unix(0, storedAt),
		Bytes:    raw,
	}, true, nil
}

func (p *sqlitePartition) Put(ctx context.Context, entry Entry) error {
	return p.PutAll(ctx, []Entry{entry})
}

// PutAll writes the entries in a single transaction.
// Writes to a partition deleted since Open are dropped.
func (p *sqlitePartition) PutAll(ctx context.Context, entries []Entry) error {
	p.storage.writeMutex.Lock()
	defer p.storage.writeMutex.Unlock()
	tx, err := p.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", p.name).Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		return err
	}
	for _, entry := range entries {
		storedAt := entry.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entries
			(partition, key, stored_at, size, bytes) VALUES (?, ?, ?, ?, ?)`,
			p.name, entry.Key, storedAt.UnixNano(), len(entry.Bytes), compress(entry.Bytes))
		if err != nil {
			return fmt.Errorf("put %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	p.storage.writeMutex.Lock()
	defer p.storage.writeMutex.Unlock()
	result, err := p.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY stored_at, rowid", p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Size reports the uncompressed size of the entries, as stored before compression.
func (p *sqlitePartition) Size(ctx context.Context) (int, int64, error) {
	var count int
	var size sql.NullInt64
	err := p.storage.db.QueryRowContext(ctx,
		"SELECT COUNT(*), SUM(size) FROM entries WHERE partition = ?",
		p.name).Scan(&count, &size)
	return count, size.Int64, err
}
