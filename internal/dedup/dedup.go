// Package dedup provides an optional, bounded within-file set of recently
// seen content hashes, backed by an in-memory SQLite table. The end-to-end
// dedup contract is satisfied regardless by the hash carried on the wire;
// this set only lets a single file skip near-duplicate records without
// holding every hash it has ever seen in a Go map.
package dedup

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DefaultCapacity bounds how many hashes a Set retains before it starts
// evicting the oldest entries, keeping memory flat even for a ~20M-record
// file.
const DefaultCapacity = 2_000_000

// Set tracks hashes seen so far within one file. It is not safe for
// concurrent use; callers serialize access to a single file's Set through
// the parse loop that owns it.
type Set struct {
	db       *sql.DB
	capacity int
	seen     int64
}

// New opens a fresh, empty Set backed by a private in-memory SQLite
// database. Capacity <= 0 uses DefaultCapacity.
func New(capacity int) (*Set, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("dedup: open: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE hashes (seq INTEGER PRIMARY KEY AUTOINCREMENT, hash TEXT UNIQUE NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dedup: create table: %w", err)
	}
	return &Set{db: db, capacity: capacity}, nil
}

// SeenOrAdd reports whether hash was already recorded. If not, it is
// inserted; every capacity/10+1 new insertions the set is trimmed back to
// capacity by dropping its oldest entries, so the table may briefly exceed
// capacity by up to that many rows but never grows unbounded.
func (s *Set) SeenOrAdd(hash string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO hashes (hash) VALUES (?)`, hash)
	if err != nil {
		return false, fmt.Errorf("dedup: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: rows affected: %w", err)
	}
	if n == 0 {
		return true, nil
	}
	s.seen++
	if s.seen%int64(s.capacity/10+1) == 0 {
		if err := s.evictOverflow(); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Set) evictOverflow() error {
	_, err := s.db.Exec(
		`DELETE FROM hashes WHERE seq <= (SELECT MAX(seq) FROM hashes) - ?`,
		s.capacity,
	)
	if err != nil {
		return fmt.Errorf("dedup: evict: %w", err)
	}
	return nil
}

// Close releases the backing in-memory database.
func (s *Set) Close() error {
	return s.db.Close()
}
