// Package outbox is a PostgreSQL transactional outbox transport. Deliver
// appends routing slips to the outbox table; a Relay reads them back in
// commit order and hands them to activity hosts.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/session"
)

const (
	DefaultTable        = "courier_outbox"
	DefaultOffsetsTable = "courier_outbox_offsets"
	DefaultBatchSize    = 100
)

type Subscriber func(ctx context.Context, message *Message) error

type Config struct {
	Table        string
	OffsetsTable string
	BatchSize    int
}

type PgOutbox struct {
	sessionPool  session.SessionPool
	outboxTable  string
	offsetsTable string
	batchSize    int
}

func NewOutbox(sessionPool session.SessionPool, cfg Config) *PgOutbox {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.OffsetsTable == "" {
		cfg.OffsetsTable = DefaultOffsetsTable
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &PgOutbox{
		sessionPool:  sessionPool,
		outboxTable:  cfg.Table,
		offsetsTable: cfg.OffsetsTable,
		batchSize:    cfg.BatchSize,
	}
}

// Deliver implements saga.Transport.
func (o *PgOutbox) Deliver(ctx context.Context, slip *saga.RoutingSlip, address string) error {
	return session.Transaction(ctx, o.sessionPool, func(db session.DbSession) error {
		return o.DeliverIn(db, slip, address)
	})
}

// DeliverIn appends the slip inside an existing transaction, so that the
// hand-over commits together with the caller's own writes.
func (o *PgOutbox) DeliverIn(db session.DbSession, slip *saga.RoutingSlip, address string) error {
	payload, err := saga.Marshal(slip)
	if err != nil {
		return err
	}
	return o.Publish(db, &Message{
		URI:     address,
		Payload: payload,
		Metadata: map[string]any{
			"event_id":        uuid.NewString(),
			"tracking_number": slip.TrackingNumber().String(),
			"version":         slip.Version(),
			"state":           string(slip.State()),
		},
	})
}

func (o *PgOutbox) Publish(db session.DbSession, message *Message) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (uri, payload, metadata, transaction_id)
		VALUES ($1, $2, $3, pg_current_xact_id())
	`, o.outboxTable)

	metadata, err := json.Marshal(message.Metadata)
	if err != nil {
		return err
	}

	_, err = db.Connection().Exec(sql, message.URI, message.Payload, metadata)
	return errors.Wrapf(err, "publish to %s", message.URI)
}

// Dispatch hands one batch to subscriber and acknowledges it in the same
// transaction. It reports whether any message was found.
func (o *PgOutbox) Dispatch(ctx context.Context, subscriber Subscriber, consumerGroup string, uri string, workerID int, numWorkers int) (bool, error) {
	effectiveConsumerGroup := consumerGroup
	if numWorkers > 1 {
		effectiveConsumerGroup = fmt.Sprintf("%s:%d", consumerGroup, workerID)
	}

	err := session.Connection(ctx, o.sessionPool, func(db session.DbSession) error {
		return o.ensureConsumerGroup(db, effectiveConsumerGroup, uri)
	})
	if err != nil {
		return false, err
	}

	var messages []*Message
	err = session.Transaction(ctx, o.sessionPool, func(tx session.DbSession) error {
		var err error
		messages, err = o.fetchMessages(tx, effectiveConsumerGroup, uri, workerID, numWorkers)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		for _, msg := range messages {
			if err := subscriber(ctx, msg); err != nil {
				return err
			}
		}
		last := messages[len(messages)-1]
		return o.ackMessage(tx, effectiveConsumerGroup, uri, last.TransactionID, last.Position)
	})
	if err != nil {
		return false, err
	}
	return len(messages) > 0, nil
}

// Run polls with concurrency workers per process until ctx is done or a
// worker fails.
func (o *PgOutbox) Run(ctx context.Context, subscriber Subscriber, consumerGroup string, uri string, processID int, numProcesses int, concurrency int, pollInterval time.Duration) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if numProcesses < 1 {
		numProcesses = 1
	}
	effectiveTotal := numProcesses * concurrency

	workerLoop := func(ctx context.Context, localID int) error {
		effectiveID := processID*concurrency + localID
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			hasMessages, err := o.Dispatch(ctx, subscriber, consumerGroup, uri, effectiveID, effectiveTotal)
			if err != nil {
				return err
			}
			if !hasMessages {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pollInterval):
				}
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return workerLoop(gctx, i)
		})
	}
	return g.Wait()
}

func (o *PgOutbox) GetPosition(db session.DbSession, consumerGroup string, uri string) (int64, int64, error) {
	sql := fmt.Sprintf(`
		SELECT last_processed_transaction_id::text::bigint, offset_acked
		FROM %s
		WHERE consumer_group = $1 AND uri = $2
	`, o.offsetsTable)

	var transactionID int64
	var offset int64
	err := db.Connection().QueryRow(sql, consumerGroup, uri).Scan(&transactionID, &offset)
	if errors.Is(err, session.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return transactionID, offset, nil
}

func (o *PgOutbox) SetPosition(db session.DbSession, consumerGroup string, uri string, transactionID int64, offset int64) error {
	return o.ackMessage(db, consumerGroup, uri, transactionID, offset)
}

func (o *PgOutbox) Setup(ctx context.Context) error {
	return session.Transaction(ctx, o.sessionPool, func(db session.DbSession) error {
		if err := o.createOutboxTable(db); err != nil {
			return err
		}
		return o.createOffsetsTable(db)
	})
}

func (o *PgOutbox) Cleanup(ctx context.Context) error {
	return session.Connection(ctx, o.sessionPool, func(db session.DbSession) error {
		for _, table := range []string{o.outboxTable, o.offsetsTable} {
			if _, err := db.Connection().Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *PgOutbox) ensureConsumerGroup(db session.DbSession, consumerGroup string, uri string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (consumer_group, uri, offset_acked, last_processed_transaction_id)
		VALUES ($1, $2, 0, '0')
		ON CONFLICT DO NOTHING
	`, o.offsetsTable)

	_, err := db.Connection().Exec(sql, consumerGroup, uri)
	return err
}

func (o *PgOutbox) fetchMessages(db session.DbSession, consumerGroup string, uri string, workerID int, numWorkers int) ([]*Message, error) {
	args := []any{consumerGroup, uri}
	paramNum := 3

	uriFilter := ""
	if uri != "" {
		uriFilter = fmt.Sprintf("AND (uri = $%d OR uri LIKE $%d)", paramNum, paramNum+1)
		args = append(args, uri, uri+"/%")
		paramNum += 2
	}

	partitionFilter := ""
	if numWorkers > 1 {
		partitionFilter = fmt.Sprintf("AND abs(hashtext(metadata->>'tracking_number')) %% $%d = $%d", paramNum, paramNum+1)
		args = append(args, numWorkers, workerID)
	}

	sql := fmt.Sprintf(`
		SELECT * FROM (
			WITH last_processed AS (
				SELECT offset_acked, last_processed_transaction_id
				FROM %s
				WHERE consumer_group = $1 AND uri = $2
				FOR UPDATE
			)
			SELECT "position", transaction_id::text::bigint, uri, payload, metadata, created_at
			FROM %s
			WHERE (
				(transaction_id = (SELECT last_processed_transaction_id FROM last_processed)
				 AND "position" > (SELECT offset_acked FROM last_processed))
				OR
				(transaction_id > (SELECT last_processed_transaction_id FROM last_processed))
			)
			AND transaction_id < pg_snapshot_xmin(pg_current_snapshot())
			%s
			%s
		) AS messages
		ORDER BY transaction_id ASC, "position" ASC
		LIMIT %d
	`, o.offsetsTable, o.outboxTable, uriFilter, partitionFilter, o.batchSize)

	rows, err := db.Connection().Query(sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var metadataBytes []byte
		if err := rows.Scan(&msg.Position, &msg.TransactionID, &msg.URI, &msg.Payload, &metadataBytes, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadataBytes, &msg.Metadata); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (o *PgOutbox) ackMessage(db session.DbSession, consumerGroup string, uri string, transactionID int64, position int64) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (consumer_group, uri, offset_acked, last_processed_transaction_id, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (consumer_group, uri) DO UPDATE SET
			offset_acked = EXCLUDED.offset_acked,
			last_processed_transaction_id = EXCLUDED.last_processed_transaction_id,
			updated_at = EXCLUDED.updated_at
	`, o.offsetsTable)

	_, err := db.Connection().Exec(sql, consumerGroup, uri, position, fmt.Sprintf("%d", transactionID))
	return err
}

func (o *PgOutbox) createOutboxTable(db session.DbSession) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"position" BIGSERIAL,
			"uri" VARCHAR(255) NOT NULL,
			"payload" JSONB NOT NULL,
			"metadata" JSONB NOT NULL,
			"created_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			"transaction_id" xid8 NOT NULL,
			PRIMARY KEY ("transaction_id", "position")
		)
	`, o.outboxTable)

	if _, err := db.Connection().Exec(sql); err != nil {
		return err
	}

	sqls := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_position_idx ON %s ("position")`, o.outboxTable, o.outboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_uri_idx ON %s ("uri")`, o.outboxTable, o.outboxTable),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_event_id_uniq ON %s (((metadata->>'event_id')::uuid))`, o.outboxTable, o.outboxTable),
	}
	for _, sql := range sqls {
		if _, err := db.Connection().Exec(sql); err != nil {
			return err
		}
	}
	return nil
}

func (o *PgOutbox) createOffsetsTable(db session.DbSession) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"consumer_group" VARCHAR(255) NOT NULL,
			"uri" VARCHAR(255) NOT NULL DEFAULT '',
			"offset_acked" BIGINT NOT NULL DEFAULT 0,
			"last_processed_transaction_id" xid8 NOT NULL DEFAULT '0',
			"updated_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY ("consumer_group", "uri")
		)
	`, o.offsetsTable)

	_, err := db.Connection().Exec(sql)
	return err
}
