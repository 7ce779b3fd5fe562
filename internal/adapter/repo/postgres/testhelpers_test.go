package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub satisfies pgx.Row with a caller-provided scan.
type rowStub struct {
	scan func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub {
	return rowStub{scan: func(...any) error { return err }}
}

func noRowsRow() rowStub { return errRow(pgx.ErrNoRows) }

// rowsStub satisfies pgx.Rows, dispatching Scan to one function per row.
type rowsStub struct {
	scans  []func(dest ...any) error
	i      int
	err    error
	closed bool
}

func (r *rowsStub) Next() bool {
	if r.i >= len(r.scans) {
		return false
	}
	r.i++
	return true
}

func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.i-1](dest...) }
func (r *rowsStub) Close()                 { r.closed = true }
func (r *rowsStub) Err() error             { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag("SELECT")
}
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, errors.New("not implemented") }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub satisfies PgxPool with per-call function fields, recording the
// SQL and args of every call.
type poolStub struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args []any) pgx.Row
	queryFn    func(sql string, args []any) (pgx.Rows, error)
	beginFn    func() (pgx.Tx, error)

	execCalls     []call
	queryRowCalls []call
	queryCalls    []call
}

type call struct {
	sql  string
	args []any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execCalls = append(p.execCalls, call{sql: sql, args: args})
	if p.execFn != nil {
		return p.execFn(sql, args)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.queryRowCalls = append(p.queryRowCalls, call{sql: sql, args: args})
	if p.queryRowFn != nil {
		return p.queryRowFn(sql, args)
	}
	return noRowsRow()
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.queryCalls = append(p.queryCalls, call{sql: sql, args: args})
	if p.queryFn != nil {
		return p.queryFn(sql, args)
	}
	return &rowsStub{}, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginFn != nil {
		return p.beginFn()
	}
	return nil, errors.New("beginFn not set")
}

// txStub satisfies pgx.Tx over the same function fields as poolStub.
type txStub struct {
	pool       poolStub
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *txStub) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *txStub) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}

func (t *txStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}

func (t *txStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}

func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}

func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func (t *txStub) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}

func (t *txStub) Conn() *pgx.Conn { return nil }
