package dbpublish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/db"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/logging"
)

// Consumer applies buffered mutations atomically per transaction_id: a
// start opens a buffer, statements accumulate, a commit flushes them
// inside one gorm transaction, a rollback discards the buffer.
type Consumer struct {
	store   *db.DB
	buffers map[string][]Mutation
}

func NewConsumer(store *db.DB) *Consumer {
	return &Consumer{store: store, buffers: map[string][]Mutation{}}
}

// HandlePayload is a broker.PerQueueCallback for the updates queue. The
// publisher sends every mutation to the one updates exchange; the
// AffinityKey shard name travels as the routing key, not as a topic.
func (c *Consumer) HandlePayload(ctx context.Context, queue string, payload []byte) broker.AckOutcome {
	var m Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		logging.With("dbpublish").Warn("unparsable mutation, dropping", "err", err)
		return broker.Ack
	}

	if m.Mode == ModeTransaction {
		switch m.TransactionMode {
		case TxStart:
			c.buffers[m.TransactionID] = nil
			return broker.Ack
		case TxCommit:
			stmts := c.buffers[m.TransactionID]
			delete(c.buffers, m.TransactionID)
			if err := c.apply(ctx, stmts); err != nil {
				logging.With("dbpublish").Error("transaction apply failed", "tx", m.TransactionID, "err", err)
				return broker.Nack
			}
			return broker.Ack
		case TxRollback:
			delete(c.buffers, m.TransactionID)
			return broker.Ack
		}
		return broker.Ack
	}

	c.buffers[m.TransactionID] = append(c.buffers[m.TransactionID], m)
	return broker.Ack
}

func (c *Consumer) apply(ctx context.Context, stmts []Mutation) error {
	return c.store.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range stmts {
			if err := applyOne(tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyOne executes one buffered mutation against the open transaction.
// Mutations describe generic column/value pairs (the affinity-hashed
// updates queue carries no ORM model), so statements are built with
// parameterized raw SQL rather than gorm's struct-mapped helpers.
func applyOne(tx *gorm.DB, m Mutation) error {
	switch m.Mode {
	case ModeInsert:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(m.Columns)), ",")
		sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", m.Table, strings.Join(m.Columns, ", "), placeholders)
		return tx.Exec(sql, m.Values...).Error
	case ModeUpdate:
		sql, args := buildUpsert(m)
		return tx.Exec(sql, args...).Error
	case ModeDelete:
		sql := fmt.Sprintf("DELETE FROM %s WHERE %s", m.Table, m.Where)
		return tx.Exec(sql, m.Values...).Error
	default:
		return errs.New(errs.StageError, "unknown mutation mode "+string(m.Mode))
	}
}

// buildUpsert assumes the first column/value pair is the primary key and
// builds an upsert-by-primary-key statement, matching the idempotent
// semantics spec §5 requires for at-least-once delivery.
func buildUpsert(m Mutation) (string, []any) {
	if len(m.Columns) == 0 {
		return "SELECT 1", nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(m.Columns)), ",")
	var sets []string
	setArgs := make([]any, 0, len(m.Columns)-1)
	for i := 1; i < len(m.Columns); i++ {
		sets = append(sets, fmt.Sprintf("%s = ?", m.Columns[i]))
		setArgs = append(setArgs, m.Values[i])
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		m.Table, strings.Join(m.Columns, ", "), placeholders, m.Columns[0], strings.Join(sets, ", "),
	)
	args := append(append([]any{}, m.Values...), setArgs...)
	return sql, args
}
