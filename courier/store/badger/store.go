// Package badger persists routing slips in an embedded BadgerDB.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/saga"
)

const keyPrefix = "slip/"

type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives BadgerDB's internal logs; nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens a BadgerDB database at cfg.Path, or in memory.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger database")
	}
	return db, nil
}

// Store is a saga.Store over a BadgerDB. Every slip is one JSON value under
// "slip/<tracking number>".
type Store struct {
	db *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func key(trackingNumber saga.TrackingNumber) []byte {
	return []byte(keyPrefix + trackingNumber.String())
}

func (s *Store) Save(_ context.Context, slip *saga.RoutingSlip) error {
	data, err := saga.Marshal(slip)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		k := key(slip.TrackingNumber())
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return errors.Wrapf(err, "read routing slip %s", slip.TrackingNumber())
		default:
			var stored *saga.RoutingSlip
			if err := item.Value(func(val []byte) error {
				stored, err = saga.Unmarshal(val)
				return err
			}); err != nil {
				return err
			}
			if stored.Version() >= slip.Version() {
				return errors.Wrapf(saga.ErrStaleRoutingSlip, "slip %s: stored version %d, given %d",
					slip.TrackingNumber(), stored.Version(), slip.Version())
			}
		}
		return txn.Set(k, data)
	})
}

func (s *Store) Load(_ context.Context, trackingNumber saga.TrackingNumber) (*saga.RoutingSlip, error) {
	var slip *saga.RoutingSlip
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(trackingNumber))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrapf(saga.ErrRoutingSlipNotFound, "%s", trackingNumber)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			slip, err = saga.Unmarshal(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return slip, nil
}

func (s *Store) FindByState(_ context.Context, state saga.State) ([]*saga.RoutingSlip, error) {
	var slips []*saga.RoutingSlip
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				slip, err := saga.Unmarshal(val)
				if err != nil {
					return err
				}
				if slip.State() == state {
					slips = append(slips, slip)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slips, nil
}
