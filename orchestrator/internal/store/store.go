// Package store persists every orchestrator entity in SQLite.
//
// A Store can be bound to the database or to a transaction; Tx hands the
// callback a transaction-bound Store so multi-row writes stay all-or-nothing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hazyhaar/socialpilot/dbopen"
	"github.com/hazyhaar/socialpilot/idgen"
)

// ErrNotFound is returned by update operations on missing rows. Getters
// return nil, nil instead.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("store: duplicate")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the orchestrator persistence layer.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
	now  func() time.Time
	ids  idgen.Generator
}

// NewStore wraps db. The schema must already be applied (see Schema).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db, now: time.Now, ids: idgen.Default}
}

// Init applies Schema.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// SetClock replaces the clock (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// NewID returns a fresh identifier.
func (s *Store) NewID() string { return s.ids() }

// Tx runs fn in a transaction, retrying on SQLITE_BUSY. Called on a Store
// already inside a transaction it just runs fn.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&Store{db: s.db, q: tx, inTx: true, now: s.now, ids: s.ids})
	})
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func intArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func rawOr(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Period returns the usage period key (calendar month, UTC) of t.
func Period(t time.Time) string { return t.UTC().Format("2006-01") }

// wrapUnique turns a unique violation into ErrDuplicate.
func wrapUnique(err error) error {
	if dbopen.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
