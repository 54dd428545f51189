package sqlbind

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Dialect identifies the SQL dialect for placeholder rendering.
type Dialect int

// Session assembles one SQL statement at a time: a :name template plus bound
// values compiles into dialect placeholders and a prepared statement on the
// session's connection. The prepared statement is reused across rebind and
// execute cycles for as long as the placeholder layout is unchanged; a
// changed layout (for example a list binding of a different length)
// transparently prepares a fresh statement. A Session owns at most one
// prepared statement and one open cursor, and never closes the connection it
// was given.
// A Session is NOT safe for concurrent use.
type Session struct {
	conn    Conn
	dialect Dialect
	config  Config

	tpl   string
	binds map[string]binding

	stmt    *sql.Stmt
	stmtSQL string
	cur     *cursor

	err error // deferred release failure, surfaced by the next operation
}

// Config defines limits for the statement compiler.
type Config struct {
	// MaxParams caps how many placeholders one statement may emit. Zero
	// picks the dialect's default; a negative value lifts the cap entirely.
	MaxParams int
	// MaxNameLen caps the length of a marker name such as ":created_at".
	// Longer names fail compilation with ErrParamNameTooLong.
	MaxNameLen int
}

// Conn is the prepare-capable subset of *sql.DB, *sql.Tx and *sql.Conn that a
// Session needs. The Session never closes it.
type Conn interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

const cacheSize = 4096 // Default size for the scan plan and field-index caches

// String names the dialect for logs and debug output.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// New returns a Session bound to conn for the given dialect. Optionally
// provide a Config; unspecified fields fall back to sensible per-dialect
// defaults. The connection stays owned by the caller.
func New(conn Conn, dialect Dialect, cfg ...Config) *Session {
	return &Session{
		conn:    conn,
		dialect: dialect,
		config:  defaultConfig(dialect, cfg...),
	}
}

// SQL replaces the statement template; multiple parts are joined with
// newlines. Any open cursor and cached prepared statement are closed and all
// bindings are cleared. A release failure here is stashed and returned by the
// next operation.
func (s *Session) SQL(template ...string) *Session {
	if err := s.release(); err != nil && s.err == nil {
		s.err = err
	}
	s.tpl = strings.Join(template, "\n")
	clear(s.binds)
	return s
}

// Bind stores values under name, replacing any previous binding for that
// name. Exactly one value binds as a scalar; a slice or array value (except
// []byte), or zero or several values, bind as an ordered list that expands to
// one placeholder per element. Bindings persist across executions until a new
// template is set.
func (s *Session) Bind(name string, values ...any) *Session {
	if s.binds == nil {
		s.binds = make(map[string]binding, 8)
	}
	s.binds[name] = asBinding(values)
	return s
}

// Scalar forces v to bind as one argument even when it is a slice or array,
// for ANY(:ids)-style usage where the driver takes the whole collection.
func Scalar(v any) any {
	return scalar{v: v}
}

// Exec is a convenience that runs ExecContext with context.Background().
func (s *Session) Exec() (int64, error) {
	return s.ExecContext(context.Background())
}

// ExecContext compiles the template against the current bindings (reusing the
// prepared statement when the placeholder layout is unchanged), closes any
// open cursor, runs the statement, and returns the affected row count.
func (s *Session) ExecContext(ctx context.Context) (int64, error) {
	stmt, args, err := s.stmtFor(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.closeCursor(); err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, &QueryError{Query: s.stmtSQL, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &QueryError{Query: s.stmtSQL, Err: err}
	}
	return affected, nil
}

// ForEach is a convenience that runs ForEachContext with context.Background().
func (s *Session) ForEach(fn func(*sql.Rows) error) error {
	return s.ForEachContext(context.Background(), fn)
}

// ForEachContext runs the statement as a query and calls fn once per result
// row. A consumer failure stops the iteration and is reported as a *MapError
// carrying the failing row position.
func (s *Session) ForEachContext(ctx context.Context, fn func(*sql.Rows) error) error {
	rows, err := QueryContext(ctx, s, func(r *sql.Rows) (struct{}, error) {
		return struct{}{}, fn(r)
	})
	if err != nil {
		return err
	}
	for rows.Next() {
	}
	return rows.Err()
}

// Close releases the prepared statement and any open cursor. It is safe to
// call multiple times. The template and bindings are kept and the connection
// is left open; the next execution prepares a fresh statement.
func (s *Session) Close() error {
	first := s.takeErr()
	if err := s.release(); err != nil {
		if first != nil {
			return errors.Join(first, err)
		}
		return err
	}
	return first
}

// String renders the statement for logs: bound values are inlined as
// bracketed literals and unbound markers are left verbatim. It never touches
// the connection.
func (s *Session) String() string {
	out, _, _ := build(s.tpl, s.binds, s.dialect, s.config, true)
	return out
}

// Template returns the current statement template.
func (s *Session) Template() string {
	return s.tpl
}

// Conn returns the connection handle the Session was created with.
func (s *Session) Conn() Conn {
	return s.conn
}

// takeErr returns and clears the stashed deferred release failure.
func (s *Session) takeErr() error {
	err := s.err
	s.err = nil
	return err
}

// stmtFor compiles the template against the current bindings and returns the
// prepared statement to run plus its argument list. The cached statement is
// reused iff the newly compiled SQL text is identical to the cached one;
// otherwise the stale statement and cursor are released and a fresh statement
// is prepared. A failed compilation releases the native resources too.
func (s *Session) stmtFor(ctx context.Context) (*sql.Stmt, []any, error) {
	if err := s.takeErr(); err != nil {
		return nil, nil, err
	}
	if s.tpl == "" {
		return nil, nil, ErrNoTemplate
	}
	text, args, err := build(s.tpl, s.binds, s.dialect, s.config, false)
	if err != nil {
		if rerr := s.release(); rerr != nil {
			return nil, nil, errors.Join(err, rerr)
		}
		return nil, nil, err
	}
	if s.stmt != nil && s.stmtSQL == text {
		return s.stmt, args, nil
	}
	if err := s.release(); err != nil {
		return nil, nil, err
	}
	stmt, err := s.conn.PrepareContext(ctx, text)
	if err != nil {
		return nil, nil, &QueryError{Query: text, Err: err}
	}
	s.stmt = stmt
	s.stmtSQL = text
	return s.stmt, args, nil
}

// queryRows compiles, prepares and runs the statement as a query, closing any
// previous cursor first. The returned cursor becomes the session's open one.
func (s *Session) queryRows(ctx context.Context) (*cursor, error) {
	stmt, args, err := s.stmtFor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.closeCursor(); err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, &QueryError{Query: s.stmtSQL, Err: err}
	}
	s.cur = &cursor{rows: rows, query: s.stmtSQL}
	return s.cur, nil
}

// release closes the open cursor and the cached prepared statement. The
// references are dropped even when closing fails.
func (s *Session) release() error {
	curErr := s.closeCursor()
	var stmtErr error
	if s.stmt != nil {
		if err := s.stmt.Close(); err != nil {
			stmtErr = &ReleaseError{Err: err}
		}
		s.stmt = nil
		s.stmtSQL = ""
	}
	if curErr != nil && stmtErr != nil {
		return errors.Join(curErr, stmtErr)
	}
	if curErr != nil {
		return curErr
	}
	return stmtErr
}

// closeCursor invalidates and closes the session's open cursor, if any.
// Result sequences still holding it observe ErrRowsClosed afterwards.
func (s *Session) closeCursor() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.close(true)
	s.cur = nil
	return err
}

// defaultConfig fills the blanks of an optional user Config with the
// dialect's limits.
func defaultConfig(dialect Dialect, config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}

	return c
}
