package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteMetastore persists each key's variant list as one JSON document per
// row, the natural SQL analogue of a single-blob-per-key cache table. Uses
// the pure-Go sqlite driver, WAL journal mode, and a single write mutex
// serializing the read-modify-write Swap needs since database/sql's own
// locking does not give us atomic read-then-write.
type SQLiteMetastore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteMetastore opens (creating if necessary) a SQLite-backed
// Metastore at filename. An empty filename opens a shared in-memory
// database, useful for tests that want SQLite semantics without a file.
func NewSQLiteMetastore(filename string) (*SQLiteMetastore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite metastore: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS metastore (
		key TEXT PRIMARY KEY,
		variants BLOB
	)`); err != nil {
		return nil, fmt.Errorf("create metastore table: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &SQLiteMetastore{db: db, writeMutex: &sync.Mutex{}}, nil
}

type wireVariant struct {
	RequestHeader  http.Header `json:"request_header"`
	ResponseHeader http.Header `json:"response_header"`
}

func (s *SQLiteMetastore) Load(key string) ([]Variant, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT variants FROM metastore WHERE key = ?", key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metastore key %q: %w", key, err)
	}
	return decodeVariants(blob)
}

func (s *SQLiteMetastore) Swap(key string, fn func(old []Variant) []Variant) ([]Variant, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin metastore swap: %w", err)
	}
	defer tx.Rollback()

	var blob []byte
	err = tx.QueryRow("SELECT variants FROM metastore WHERE key = ?", key).Scan(&blob)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load metastore key %q: %w", key, err)
	}
	old, err := decodeVariants(blob)
	if err != nil {
		return nil, err
	}

	next := fn(old)
	if next == nil {
		if _, err := tx.Exec("DELETE FROM metastore WHERE key = ?", key); err != nil {
			return nil, fmt.Errorf("delete metastore key %q: %w", key, err)
		}
		return nil, tx.Commit()
	}

	encoded, err := encodeVariants(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		"INSERT INTO metastore (key, variants) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET variants = excluded.variants",
		key, encoded,
	); err != nil {
		return nil, fmt.Errorf("store metastore key %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit metastore swap: %w", err)
	}
	return next, nil
}

func decodeVariants(blob []byte) ([]Variant, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var wire []wireVariant
	if err := json.Unmarshal(blob, &wire); err != nil {
		return nil, fmt.Errorf("decode variants: %w", err)
	}
	out := make([]Variant, len(wire))
	for i, w := range wire {
		out[i] = Variant{RequestHeader: w.RequestHeader, ResponseHeader: w.ResponseHeader}
	}
	return out, nil
}

func encodeVariants(variants []Variant) ([]byte, error) {
	wire := make([]wireVariant, len(variants))
	for i, v := range variants {
		wire[i] = wireVariant{RequestHeader: v.RequestHeader, ResponseHeader: v.ResponseHeader}
	}
	blob, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode variants: %w", err)
	}
	return blob, nil
}

// SQLiteEntitystore persists response bodies keyed by content digest.
type SQLiteEntitystore struct {
	db *sql.DB
}

// NewSQLiteEntitystore opens (creating if necessary) a SQLite-backed
// Entitystore at filename. An empty filename opens a shared in-memory
// database.
func NewSQLiteEntitystore(filename string) (*SQLiteEntitystore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite entitystore: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entitystore (
		digest TEXT PRIMARY KEY,
		body BLOB
	)`); err != nil {
		return nil, fmt.Errorf("create entitystore table: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &SQLiteEntitystore{db: db}, nil
}

func (s *SQLiteEntitystore) Load(digest string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRow("SELECT body FROM entitystore WHERE digest = ?", digest).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load entitystore digest %q: %w", digest, err)
	}
	return body, true, nil
}

func (s *SQLiteEntitystore) Store(digest string, body []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO entitystore (digest, body) VALUES (?, ?) ON CONFLICT(digest) DO NOTHING",
		digest, body,
	)
	if err != nil {
		return fmt.Errorf("store entitystore digest %q: %w", digest, err)
	}
	return nil
}
