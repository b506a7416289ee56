// Package store persists documents, viewer sessions and their history in
// SQLite.
//
// Per-token mutations run under a KeyedMutex so concurrent sink requests for
// the same viewer apply in order. Photos are stored zstd-compressed.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrSessionNotFound is returned when a token has no session record.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrDocumentNotFound is returned for unknown document ids.
	ErrDocumentNotFound = errors.New("store: document not found")
	// ErrInvalidOTP is returned when no document matches an access code.
	ErrInvalidOTP = errors.New("store: invalid access code")
)

// Options tunes a Store.
type Options struct {
	// BcryptCost for OTP hashes; zero means bcrypt.DefaultCost.
	BcryptCost int
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	locks  *KeyedMutex
	cost   int
	encode *zstd.Encoder
	decode *zstd.Decoder
}

// Open opens or creates the database at path and applies migrations.
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Store{db: db, locks: NewKeyedMutex(), cost: cost, encode: enc, decode: dec}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.decode != nil {
		s.decode.Close()
	}
	if s.encode != nil {
		s.encode.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) compress(photo string) []byte {
	if photo == "" {
		return nil
	}
	return s.encode.EncodeAll([]byte(photo), nil)
}

func (s *Store) decompress(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	out, err := s.decode.DecodeAll(blob, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decompress: %w", err)
	}
	return string(out), nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
