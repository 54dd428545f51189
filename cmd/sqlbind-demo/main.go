package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gandaldf/sqlbind"
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// employee matches the demo table created in run.
type employee struct {
	ID      int       `db:"id"`
	Code    string    `db:"code"`
	Created time.Time `db:"created"`
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if data, err := yaml.Marshal(&cfg); err == nil {
		log.Printf("config:\n%s", data)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

// run walks one session through every statement form: DDL, repeated inserts
// on one prepared statement, a list query mapped into structs, and a
// hand-written mapper after the list shrinks.
func run(cfg Config) error {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return errors.Wrap(err, "open mysql")
	}
	defer db.Close()

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return errors.Wrap(err, "ping")
	}

	// A dedicated connection keeps the temporary table visible to every
	// statement the session runs.
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	s := sqlbind.New(conn, sqlbind.MySQL)
	defer s.Close()

	s.SQL("CREATE TEMPORARY TABLE employee (",
		"id INT PRIMARY KEY,",
		"code VARCHAR(16) NOT NULL,",
		"created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
		")")
	if _, err := s.ExecContext(ctx); err != nil {
		return errors.Wrap(err, "create table")
	}

	s.SQL("INSERT INTO employee (id, code) VALUES (:id1, :code), (:id2, :code)")
	n, err := s.Bind("id1", 2).Bind("id2", 3).Bind("code", "T").Exec()
	if err != nil {
		return errors.Wrap(err, "insert")
	}
	log.Printf("inserted %d rows: %s", n, s)

	// Same placeholder layout: the second run reuses the prepared statement.
	n, err = s.Bind("id1", 11).Bind("id2", 12).Bind("code", "V").Exec()
	if err != nil {
		return errors.Wrap(err, "insert again")
	}
	log.Printf("inserted %d rows: %s", n, s)

	s.SQL("SELECT id, code, created FROM employee WHERE code IN (:codes) ORDER BY id")
	s.Bind("codes", []string{"T", "V"})
	log.Printf("query: %s", s)

	queryCtx, cancelQuery := context.WithTimeout(ctx, cfg.QueryTimeout())
	defer cancelQuery()
	rows, err := sqlbind.QueryContext(queryCtx, s, sqlbind.StructMapper[employee]())
	if err != nil {
		return errors.Wrap(err, "select")
	}
	all, err := rows.All()
	if err != nil {
		return errors.Wrap(err, "read rows")
	}
	for _, e := range all {
		log.Printf("employee id=%d code=%s created=%s", e.ID, e.Code, e.Created.Format(time.RFC3339))
	}

	// Narrowing the list changes the layout; the session re-prepares on its own.
	s.Bind("codes", []string{"V"})
	matched, err := sqlbind.Query(s, func(r *sql.Rows) (string, error) {
		var e employee
		if err := r.Scan(&e.ID, &e.Code, &e.Created); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d/%s", e.ID, e.Code), nil
	})
	if err != nil {
		return errors.Wrap(err, "select narrowed")
	}
	for matched.Next() {
		log.Printf("matched %s", matched.Value())
	}
	if err := matched.Err(); err != nil {
		return errors.Wrap(err, "iterate")
	}

	return nil
}
