// Package pg persists routing slips in PostgreSQL through courier/session.
package pg

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/session"
)

const DefaultTable = "courier_routing_slips"

// Store keeps one row per saga. Saves are conditional on the version so a
// redelivered or concurrently processed slip never overwrites a newer one.
type Store struct {
	sessionPool session.SessionPool
	table       string
}

func NewStore(sessionPool session.SessionPool, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{
		sessionPool: sessionPool,
		table:       table,
	}
}

func (s *Store) Save(ctx context.Context, slip *saga.RoutingSlip) error {
	data, err := saga.Marshal(slip)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`
		INSERT INTO %[1]s (tracking_number, state, version, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (tracking_number) DO UPDATE SET
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at
		WHERE %[1]s.version < EXCLUDED.version
	`, s.table)

	return session.Connection(ctx, s.sessionPool, func(db session.DbSession) error {
		result, err := db.Connection().Exec(sql,
			slip.TrackingNumber().String(), string(slip.State()), slip.Version(), data, slip.CreatedAt())
		if err != nil {
			return errors.Wrapf(err, "save routing slip %s", slip.TrackingNumber())
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.Wrapf(saga.ErrStaleRoutingSlip, "slip %s version %d", slip.TrackingNumber(), slip.Version())
		}
		return nil
	})
}

func (s *Store) Load(ctx context.Context, trackingNumber saga.TrackingNumber) (*saga.RoutingSlip, error) {
	sql := fmt.Sprintf(`SELECT record FROM %s WHERE tracking_number = $1`, s.table)

	var slip *saga.RoutingSlip
	err := session.Connection(ctx, s.sessionPool, func(db session.DbSession) error {
		var data []byte
		err := db.Connection().QueryRow(sql, trackingNumber.String()).Scan(&data)
		if errors.Is(err, session.ErrNoRows) {
			return errors.Wrapf(saga.ErrRoutingSlipNotFound, "%s", trackingNumber)
		}
		if err != nil {
			return errors.Wrapf(err, "load routing slip %s", trackingNumber)
		}
		slip, err = saga.Unmarshal(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slip, nil
}

func (s *Store) FindByState(ctx context.Context, state saga.State) ([]*saga.RoutingSlip, error) {
	sql := fmt.Sprintf(`SELECT record FROM %s WHERE state = $1 ORDER BY created_at, tracking_number`, s.table)

	var slips []*saga.RoutingSlip
	err := session.Connection(ctx, s.sessionPool, func(db session.DbSession) error {
		rows, err := db.Connection().Query(sql, string(state))
		if err != nil {
			return errors.Wrapf(err, "query routing slips in %s", state)
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			slip, err := saga.Unmarshal(data)
			if err != nil {
				return err
			}
			slips = append(slips, slip)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return slips, nil
}

// Setup creates the table and its state index.
func (s *Store) Setup(ctx context.Context) error {
	return session.Transaction(ctx, s.sessionPool, func(db session.DbSession) error {
		sqls := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					"tracking_number" UUID NOT NULL,
					"state" VARCHAR(32) NOT NULL,
					"version" BIGINT NOT NULL,
					"record" JSONB NOT NULL,
					"created_at" TIMESTAMPTZ NOT NULL,
					"updated_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY ("tracking_number")
				)
			`, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_idx ON %s ("state")`, s.table, s.table),
		}
		for _, sql := range sqls {
			if _, err := db.Connection().Exec(sql); err != nil {
				return errors.Wrapf(err, "setup %s", s.table)
			}
		}
		return nil
	})
}

// Cleanup drops the table.
func (s *Store) Cleanup(ctx context.Context) error {
	return session.Connection(ctx, s.sessionPool, func(db session.DbSession) error {
		_, err := db.Connection().Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table))
		return err
	})
}
