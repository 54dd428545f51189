package sqlbind

import (
	"context"
	"database/sql"
	"errors"
)

// RowMapper converts the cursor's current row into a value of type T.
// Implementations read the row via Scan and must not advance or close it.
type RowMapper[T any] func(*sql.Rows) (T, error)

// cursor is the shared handle on one open *sql.Rows. The session and the
// live Rows sequence both point at it; whichever side closes it first leaves
// a sticky error that tells later pulls why the sequence ended.
type cursor struct {
	rows  *sql.Rows
	query string
	err   error
	done  bool
	n     int
}

// close finishes the cursor. With stale=true (the session superseded or
// released it) later pulls fail with ErrRowsClosed; a consumer's own Close
// stays a clean end of sequence.
func (c *cursor) close(stale bool) error {
	if c.done {
		return nil
	}
	c.done = true
	if stale && c.err == nil {
		c.err = ErrRowsClosed
	}
	if err := c.rows.Close(); err != nil {
		return &ReleaseError{Err: err}
	}
	return nil
}

// Query is a convenience that runs QueryContext with context.Background().
func Query[T any](s *Session, mapper RowMapper[T]) (*Rows[T], error) {
	return QueryContext(context.Background(), s, mapper)
}

// QueryContext compiles the session's template against the current bindings
// (reusing the prepared statement when the placeholder layout is unchanged),
// closes any previous cursor, runs the query, and returns the result as a
// lazily mapped sequence: each row is fetched and mapped only when pulled.
func QueryContext[T any](ctx context.Context, s *Session, mapper RowMapper[T]) (*Rows[T], error) {
	cur, err := s.queryRows(ctx)
	if err != nil {
		return nil, err
	}
	return &Rows[T]{cur: cur, mapper: mapper}, nil
}

// Rows is a forward-only, single-pass sequence of mapped result rows.
//
//	rows, err := sqlbind.Query(s, mapper)
//	if err != nil { ... }
//	defer rows.Close()
//	for rows.Next() {
//		use(rows.Value())
//	}
//	if err := rows.Err(); err != nil { ... }
//
// The sequence is invalidated when its session runs another statement or is
// closed; pulling from it then fails with ErrRowsClosed.
type Rows[T any] struct {
	cur    *cursor
	mapper RowMapper[T]
	val    T
}

// Next advances to the next row and maps it, reporting whether a value is
// available via Value. It returns false at the end of the sequence and after
// a failure (see Err). The cursor is released as soon as the sequence ends.
func (r *Rows[T]) Next() bool {
	c := r.cur
	if c.done || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.done = true
		if err := c.rows.Err(); err != nil {
			c.err = &QueryError{Query: c.query, Err: err}
		} else if err := c.rows.Close(); err != nil {
			c.err = &ReleaseError{Err: err}
		}
		return false
	}
	c.n++
	v, err := r.mapper(c.rows)
	if err != nil {
		c.done = true
		c.err = &MapError{Row: c.n, Err: err}
		if cerr := c.rows.Close(); cerr != nil {
			c.err = errors.Join(c.err, &ReleaseError{Err: cerr})
		}
		return false
	}
	r.val = v
	return true
}

// Value returns the row mapped by the last successful Next.
func (r *Rows[T]) Value() T {
	return r.val
}

// Err returns the first failure hit while pulling the sequence, or nil after
// a clean end.
func (r *Rows[T]) Err() error {
	return r.cur.err
}

// Close ends the sequence early and releases its cursor. It is safe to call
// multiple times and after full consumption.
func (r *Rows[T]) Close() error {
	return r.cur.close(false)
}

// All drains the remaining sequence into a slice.
func (r *Rows[T]) All() ([]T, error) {
	var out []T
	for r.Next() {
		out = append(out, r.Value())
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
