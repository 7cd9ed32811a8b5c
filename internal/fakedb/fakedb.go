// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory database/sql driver, named "fakedb".
//
// Queries return the rows installed by Run. Statements executed with Exec
// are recorded and can be retrieved with Execs.
package fakedb // import "github.com/NetFPGA/netfpga/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

var query struct {
	mu   sync.Mutex
	rows Rows
}

var execs struct {
	mu sync.Mutex
	db []Exec
}

// Exec is a statement executed against the fake database.
type Exec struct {
	Query string
	Args  []driver.Value
}

// Run installs rows as the result of the queries run by f.
func Run(ctx context.Context, rows Rows, f func(ctx context.Context) error) error {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = rows

	return f(ctx)
}

// Execs returns the statements executed so far, and forgets them.
func Execs() []Exec {
	execs.mu.Lock()
	defer execs.mu.Unlock()
	o := execs.db
	execs.db = nil
	return o
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare returns a prepared statement, bound to this connection.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

func (c *Conn) Close() error {
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return tx{}, nil
}

type tx struct{}

func (tx) Commit() error   { return nil }
func (tx) Rollback() error { return nil }

type Stmt struct {
	query string
}

func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns -1: argument counts are not checked.
func (stmt *Stmt) NumInput() int {
	return -1
}

// Exec records the statement and its arguments.
func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	execs.mu.Lock()
	defer execs.mu.Unlock()
	execs.db = append(execs.db, Exec{
		Query: stmt.query,
		Args:  append([]driver.Value(nil), args...),
	})
	return driver.RowsAffected(1), nil
}

// Query returns the rows installed by Run.
func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	rows := query.rows
	rows.Values = append([][]driver.Value(nil), query.rows.Values...)
	return &rows, nil
}

type Rows struct {
	Names  []string
	Values [][]driver.Value
}

func (rows *Rows) Columns() []string {
	return rows.Names
}

func (rows *Rows) Close() error {
	return nil
}

// Next populates dest with the next row, or returns io.EOF.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
	_ driver.Tx     = tx{}
)
