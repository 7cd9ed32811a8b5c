// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resultdb stores the outcome of regression runs in a MySQL
// database.
//
// The database holds a single table:
//
//	CREATE TABLE results (
//	    run      VARCHAR(64),
//	    project  VARCHAR(128),
//	    test     VARCHAR(128),
//	    kind     VARCHAR(8),
//	    passed   BOOLEAN,
//	    errors   INT,
//	    duration BIGINT,
//	    started  DATETIME
//	);
package resultdb // import "github.com/NetFPGA/netfpga/resultdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

var drvName = "mysql"

const timeout = 5 * time.Second

// Result is the outcome of one test of a regression run.
type Result struct {
	Run      string // identifier of the regression run
	Project  string
	Test     string
	Kind     string // hw or sim
	Passed   bool
	Errors   int
	Duration time.Duration
	Started  time.Time
}

// DB is a connection to the regression results database.
type DB struct {
	db   *sql.DB
	name string
}

// Open connects to the database described by the MySQL data source name
// dsn (user:password@tcp(host:port)/dbname).
func Open(dsn string) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("resultdb: could not parse DSN: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open(drvName, cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("resultdb: could not open %q db: %w", cfg.DBName, err)
	}

	err = ping(db, cfg.DBName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: cfg.DBName}, nil
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("resultdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

// Name returns the name of the database.
func (db *DB) Name() string { return db.name }

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// Record stores the outcome of a test.
func (db *DB) Record(ctx context.Context, r Result) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		`INSERT INTO results (run, project, test, kind, passed, errors, duration, started)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Run, r.Project, r.Test, r.Kind, r.Passed, r.Errors,
		r.Duration.Milliseconds(), r.Started.UTC(),
	)
	if err != nil {
		return fmt.Errorf("resultdb: could not record result of %q: %w", r.Test, err)
	}
	return nil
}

// Results returns the outcome of the tests of a regression run.
func (db *DB) Results(ctx context.Context, run string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res []Result
	rows, err := db.db.QueryContext(
		ctx,
		`SELECT run, project, test, kind, passed, errors, duration, started
FROM results WHERE run=? ORDER BY started`,
		run,
	)
	if err != nil {
		return res, fmt.Errorf("resultdb: could not query results of run %q: %w", run, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r  Result
			ms int64
		)
		err = rows.Scan(
			&r.Run, &r.Project, &r.Test, &r.Kind,
			&r.Passed, &r.Errors, &ms, &r.Started,
		)
		if err != nil {
			return res, fmt.Errorf("resultdb: could not scan result: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		res = append(res, r)
	}

	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("resultdb: could not scan db for results: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("resultdb: context error while retrieving results: %w", err)
	}

	return res, nil
}

// Failures returns the names of the tests that failed most recently in
// project, newest first.
func (db *DB) Failures(ctx context.Context, project string, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var tests []string
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT test FROM results WHERE project=? AND passed=FALSE ORDER BY started DESC LIMIT ?",
		project, limit,
	)
	if err != nil {
		return tests, fmt.Errorf("resultdb: could not query failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		err = rows.Scan(&name)
		if err != nil {
			return tests, fmt.Errorf("resultdb: could not scan failure: %w", err)
		}
		tests = append(tests, name)
	}

	if err := rows.Err(); err != nil {
		return tests, fmt.Errorf("resultdb: could not scan db for failures: %w", err)
	}

	return tests, nil
}
