package testutils

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/session"
)

// ExecutedQuery is one statement seen by DbSessionStub.
type ExecutedQuery struct {
	Query  string
	Params []any
}

// QueryHandler scripts the response to a statement. Returning nil rows makes
// Query/QueryRow fall back to DbSessionStub.Rows.
type QueryHandler func(query string, args []any) (*RowsStub, int64, error)

func NewDbSessionStub(rows *RowsStub) *DbSessionStub {
	stub := &DbSessionStub{Rows: rows}
	stub.conn = &connectionStub{session: stub}
	return stub
}

// DbSessionStub records every statement and answers from Rows or Handler.
type DbSessionStub struct {
	mu           sync.Mutex
	Rows         *RowsStub
	RowsAffected int64
	Handler      QueryHandler
	AtomicErr    error
	Executed     []ExecutedQuery
	ActualQuery  string
	ActualParams []any
	conn         *connectionStub
}

func (s *DbSessionStub) Context() context.Context {
	return context.Background()
}

func (s *DbSessionStub) Atomic(callback session.SessionCallback) error {
	if s.AtomicErr != nil {
		return s.AtomicErr
	}
	return callback(s)
}

func (s *DbSessionStub) Connection() session.DbConnection {
	return s.conn
}

// QueriesContaining returns executed statements that contain fragment.
func (s *DbSessionStub) QueriesContaining(fragment string) []ExecutedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []ExecutedQuery
	for _, q := range s.Executed {
		if strings.Contains(q.Query, fragment) {
			found = append(found, q)
		}
	}
	return found
}

func (s *DbSessionStub) record(query string, args []any) (*RowsStub, int64, error) {
	s.mu.Lock()
	s.ActualQuery = query
	s.ActualParams = args
	s.Executed = append(s.Executed, ExecutedQuery{Query: query, Params: args})
	handler := s.Handler
	s.mu.Unlock()

	if handler != nil {
		rows, affected, err := handler(query, args)
		if rows == nil {
			rows = s.Rows
		}
		return rows, affected, err
	}
	return s.Rows, s.RowsAffected, nil
}

// SessionPoolStub hands out the same DbSessionStub for every session.
type SessionPoolStub struct {
	Stub       *DbSessionStub
	SessionErr error
}

func NewSessionPoolStub(stub *DbSessionStub) *SessionPoolStub {
	return &SessionPoolStub{Stub: stub}
}

func (p *SessionPoolStub) Session(ctx context.Context, callback session.SessionPoolCallback) error {
	if p.SessionErr != nil {
		return p.SessionErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return callback(p.Stub)
}

type connectionStub struct {
	session *DbSessionStub
}

func (c *connectionStub) Exec(query string, args ...any) (session.Result, error) {
	_, affected, err := c.session.record(query, args)
	if err != nil {
		return nil, err
	}
	return session.NewResult(affected), nil
}

func (c *connectionStub) Query(query string, args ...any) (session.Rows, error) {
	rows, _, err := c.session.record(query, args)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = NewRowsStub()
	}
	return rows, nil
}

func (c *connectionStub) QueryRow(query string, args ...any) session.Row {
	rows, _, err := c.session.record(query, args)
	if rows == nil {
		rows = NewRowsStub()
	}
	return &RowStub{rows: rows, err: err}
}

func NewRowsStub(rows ...[]any) *RowsStub {
	return &RowsStub{
		rows: rows,
		idx:  -1,
	}
}

type RowsStub struct {
	rows   [][]any
	idx    int
	Closed bool
}

func (r *RowsStub) Close() error {
	r.Closed = true
	return nil
}

func (r *RowsStub) Err() error {
	return nil
}

func (r *RowsStub) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *RowsStub) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.rows) {
		return errors.New("no current row")
	}

	row := r.rows[r.idx]
	for i, val := range row {
		if i >= len(dest) {
			break
		}

		switch d := dest[i].(type) {
		case *int:
			*d = toInt(val)
		case *int64:
			*d = toInt64(val)
		case *string:
			*d = val.(string)
		case *bool:
			*d = val.(bool)
		case *[]byte:
			*d = val.([]byte)
		case *time.Time:
			*d = val.(time.Time)
		case sql.Scanner:
			if err := d.Scan(val); err != nil {
				return err
			}
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

func toInt(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	default:
		panic("cannot convert to int")
	}
}

func toInt64(val any) int64 {
	switch v := val.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	default:
		panic("cannot convert to int64")
	}
}

// RowStub reads the first row of its RowsStub; an empty stub yields
// session.ErrNoRows like the pgx adapter does.
type RowStub struct {
	rows *RowsStub
	err  error
}

func (r *RowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if !r.rows.Next() {
		return session.ErrNoRows
	}
	return r.rows.Scan(dest...)
}
