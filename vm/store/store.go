// Package store provides a content-addressed cache for serialized
// chunks, optionally persisted in SQLite so embedders can skip
// recompilation across processes.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Hash is the content address of a serialized chunk.
type Hash [32]byte

// String returns the hex form of a hash.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// HashOf computes the content address of serialized chunk bytes.
func HashOf(data []byte) Hash { return sha256.Sum256(data) }

// ErrNotFound indicates the requested chunk is in neither the memory
// index nor the persistent layer.
var ErrNotFound = errors.New("store: chunk not found")

// Store is a content-addressed chunk index with an optional SQLite
// persistence layer. The zero value is usable as a memory-only store.
type Store struct {
	mu      sync.RWMutex
	chunks  map[Hash][]byte
	db      *sql.DB
	session uuid.UUID
}

// Open creates a store backed by the SQLite database at path. An
// empty path yields a memory-only store.
func Open(path string) (*Store, error) {
	s := &Store{
		chunks:  make(map[Hash][]byte),
		session: uuid.New(),
	}
	if path == "" {
		return s, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			hash       TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			session    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	s.db = db
	return s, nil
}

// Close releases the persistence layer.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Session returns the identity recorded with chunks persisted by this
// store instance.
func (s *Store) Session() uuid.UUID { return s.session }

// Put indexes serialized chunk bytes and returns their content
// address. Persisting an already-known hash is a no-op.
func (s *Store) Put(data []byte) (Hash, error) {
	h := HashOf(data)
	s.mu.Lock()
	if _, ok := s.chunks[h]; ok {
		s.mu.Unlock()
		return h, nil
	}
	cp := append([]byte(nil), data...)
	s.chunks[h] = cp
	s.mu.Unlock()

	if s.db != nil {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO chunks (hash, data, session, created_at) VALUES (?, ?, ?, ?)`,
			h.String(), cp, s.session.String(), time.Now().Unix())
		if err != nil {
			return h, fmt.Errorf("store: persisting chunk: %w", err)
		}
	}
	return h, nil
}

// Get returns the serialized chunk for a content address, consulting
// the persistence layer on a memory miss.
func (s *Store) Get(h Hash) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.chunks[h]
	s.mu.RUnlock()
	if ok {
		return data, nil
	}
	if s.db == nil {
		return nil, ErrNotFound
	}
	var blob []byte
	err := s.db.QueryRow(`SELECT data FROM chunks WHERE hash = ?`, h.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading chunk: %w", err)
	}
	s.mu.Lock()
	s.chunks[h] = blob
	s.mu.Unlock()
	return blob, nil
}

// Contains reports whether a hash is already indexed.
func (s *Store) Contains(h Hash) bool {
	s.mu.RLock()
	_, ok := s.chunks[h]
	s.mu.RUnlock()
	if ok || s.db == nil {
		return ok
	}
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM chunks WHERE hash = ?`, h.String()).Scan(&one)
	return err == nil
}

// Len returns the number of chunks in the memory index.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
