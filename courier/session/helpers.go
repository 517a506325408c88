package session

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotDbSession is returned when a pool hands out a session without a
// database connection.
var ErrNotDbSession = errors.New("session does not expose a database connection")

// Transaction opens a session from the pool and runs callback inside Atomic.
func Transaction(ctx context.Context, pool SessionPool, callback func(DbSession) error) error {
	return pool.Session(ctx, func(s Session) error {
		return s.Atomic(func(tx Session) error {
			dbSession, ok := tx.(DbSession)
			if !ok {
				return ErrNotDbSession
			}
			return callback(dbSession)
		})
	})
}

// Connection opens a session from the pool without a transaction.
func Connection(ctx context.Context, pool SessionPool, callback func(DbSession) error) error {
	return pool.Session(ctx, func(s Session) error {
		dbSession, ok := s.(DbSession)
		if !ok {
			return ErrNotDbSession
		}
		return callback(dbSession)
	})
}
