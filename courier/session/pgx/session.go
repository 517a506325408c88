package pgx

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/session"
)

// Session is a connection-scoped session without a transaction.
type Session struct {
	ctx  context.Context
	conn *pgxpool.Conn
}

func NewSession(ctx context.Context, conn *pgxpool.Conn) *Session {
	return &Session{
		ctx:  ctx,
		conn: conn,
	}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.conn}
}

func (s *Session) Atomic(callback session.SessionCallback) error {
	tx, err := s.conn.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}
	return runAtomic(s.ctx, NewTxSession(s.ctx, tx, 0), tx, callback)
}

// TxSession is a session inside a transaction. Nested Atomic calls open
// savepoints; depth 0 is the outer transaction.
type TxSession struct {
	ctx   context.Context
	tx    pgx.Tx
	depth int
}

func NewTxSession(ctx context.Context, tx pgx.Tx, depth int) *TxSession {
	return &TxSession{
		ctx:   ctx,
		tx:    tx,
		depth: depth,
	}
}

func (s *TxSession) Context() context.Context {
	return s.ctx
}

func (s *TxSession) Depth() int {
	return s.depth
}

func (s *TxSession) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.tx}
}

func (s *TxSession) Atomic(callback session.SessionCallback) error {
	nested, err := s.tx.Begin(s.ctx)
	if err != nil {
		return errors.Wrapf(err, "unable to start savepoint at depth %d", s.depth+1)
	}
	return runAtomic(s.ctx, NewTxSession(s.ctx, nested, s.depth+1), nested, callback)
}

func runAtomic(ctx context.Context, txSession *TxSession, tx pgx.Tx, callback session.SessionCallback) error {
	if err := callback(txSession); err != nil {
		if txErr := tx.Rollback(ctx); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "failed to commit at depth %d", txSession.depth)
	}
	return nil
}

// executor is satisfied by both *pgxpool.Conn and pgx.Tx.
type executor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

type connection struct {
	ctx  context.Context
	exec executor
}

func (c *connection) Exec(query string, args ...any) (session.Result, error) {
	tag, err := c.exec.Exec(c.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return session.NewResult(tag.RowsAffected()), nil
}

func (c *connection) Query(query string, args ...any) (session.Rows, error) {
	rows, err := c.exec.Query(c.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &rowsAdapter{rows: rows}, nil
}

func (c *connection) QueryRow(query string, args ...any) session.Row {
	return &rowAdapter{row: c.exec.QueryRow(c.ctx, query, args...)}
}

type rowAdapter struct {
	row pgx.Row
}

func (r *rowAdapter) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.ErrNoRows
	}
	return err
}

// rowsAdapter gives pgx.Rows the error-returning Close of session.Rows.
type rowsAdapter struct {
	rows pgx.Rows
}

func (r *rowsAdapter) Close() error {
	r.rows.Close()
	return r.rows.Err()
}

func (r *rowsAdapter) Err() error {
	return r.rows.Err()
}

func (r *rowsAdapter) Next() bool {
	return r.rows.Next()
}

func (r *rowsAdapter) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}
