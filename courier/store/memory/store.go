// Package memory keeps routing slips in an in-process go-memdb database.
package memory

import (
	"context"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/saga"
)

const table = "routing_slips"

type row struct {
	ID      string
	State   string
	Version int64
	Data    []byte
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		table: {
			Name: table,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"state": {
					Name:    "state",
					Indexer: &memdb.StringFieldIndex{Field: "State"},
				},
			},
		},
	},
}

// Store is a saga.Store backed by go-memdb. Slips are stored serialized so
// that callers never share a slip with the store.
type Store struct {
	db *memdb.MemDB
}

func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.Wrap(err, "create routing slip table")
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(_ context.Context, slip *saga.RoutingSlip) error {
	data, err := saga.Marshal(slip)
	if err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	id := slip.TrackingNumber().String()
	raw, err := txn.First(table, "id", id)
	if err != nil {
		return errors.Wrapf(err, "lookup routing slip %s", id)
	}
	if raw != nil {
		if stored := raw.(*row); stored.Version >= slip.Version() {
			return errors.Wrapf(saga.ErrStaleRoutingSlip, "slip %s: stored version %d, given %d",
				id, stored.Version, slip.Version())
		}
	}
	if err := txn.Insert(table, &row{
		ID:      id,
		State:   string(slip.State()),
		Version: slip.Version(),
		Data:    data,
	}); err != nil {
		return errors.Wrapf(err, "insert routing slip %s", id)
	}
	txn.Commit()
	return nil
}

func (s *Store) Load(_ context.Context, trackingNumber saga.TrackingNumber) (*saga.RoutingSlip, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(table, "id", trackingNumber.String())
	if err != nil {
		return nil, errors.Wrapf(err, "lookup routing slip %s", trackingNumber)
	}
	if raw == nil {
		return nil, errors.Wrapf(saga.ErrRoutingSlipNotFound, "%s", trackingNumber)
	}
	return saga.Unmarshal(raw.(*row).Data)
}

func (s *Store) FindByState(_ context.Context, state saga.State) ([]*saga.RoutingSlip, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(table, "state", string(state))
	if err != nil {
		return nil, errors.Wrapf(err, "query routing slips in %s", state)
	}
	var slips []*saga.RoutingSlip
	for raw := it.Next(); raw != nil; raw = it.Next() {
		slip, err := saga.Unmarshal(raw.(*row).Data)
		if err != nil {
			return nil, err
		}
		slips = append(slips, slip)
	}
	return slips, nil
}
