// Package dbpublish is the DB-update publisher: it never touches SQL
// directly. It publishes SQL mutations to a dedicated updates queue,
// grouped into transactions keyed by transaction_id, with affinity so all
// statements of one transaction land on the same downstream consumer
// shard — mirroring how the teacher's Kafka producer keys messages by
// task_id "to help ordering for same task ID" in
// internal/queue/kafka_producer.go, generalized from one key to a shard
// count.
package dbpublish

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strconv"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/packet"
)

// Mode is the mutation kind.
type Mode string

const (
	ModeInsert      Mode = "insert"
	ModeUpdate      Mode = "update"
	ModeDelete      Mode = "delete"
	ModeTransaction Mode = "transaction"
)

// TransactionMode is used when Mode == ModeTransaction.
type TransactionMode string

const (
	TxStart    TransactionMode = "start"
	TxCommit   TransactionMode = "commit"
	TxRollback TransactionMode = "rollback"
)

// Mutation is one unit published to the updates queue.
type Mutation struct {
	Mode     Mode   `json:"mode"`
	DBName   string `json:"db_name,omitempty"`
	Table    string `json:"table,omitempty"`
	Columns  []string `json:"columns,omitempty"`
	Values   []any  `json:"values,omitempty"`
	Where    string `json:"where,omitempty"`
	Macro    map[string]any `json:"macro,omitempty"`

	TransactionMode TransactionMode `json:"transaction_mode,omitempty"`
	TransactionID   string          `json:"transaction_id"`
	TaskStart       int64           `json:"task_start"`
}

const updatesExchange = "sito.db.updates"

// ShardCount controls how many downstream consumer shards the affinity
// hash spreads transactions across. All mutations with the same TaskStart
// must resolve to the same shard for FIFO ordering within a transaction.
const ShardCount = 8

// AffinityKey computes the routing key that pins all mutations sharing a
// task_start to the same downstream consumer, per spec §4.5 and the
// task-start-affinity testable property.
func AffinityKey(taskStart int64) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(taskStart, 10)))
	shard := h.Sum32() % ShardCount
	return "shard-" + strconv.Itoa(int(shard))
}

// Publisher publishes mutations to the updates queue.
type Publisher struct {
	adapter broker.Adapter
}

func NewPublisher(adapter broker.Adapter) *Publisher {
	return &Publisher{adapter: adapter}
}

// Publish sends one mutation, routed by its TaskStart's affinity key.
func (p *Publisher) Publish(ctx context.Context, m Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal db mutation", err)
	}
	if err := p.adapter.Publish(ctx, updatesExchange, AffinityKey(m.TaskStart), body); err != nil {
		return errs.Wrap(errs.BrokerPublishFailed, "publish db mutation", err)
	}
	return nil
}

func (p *Publisher) startTx(ctx context.Context, txID string, taskStart int64) error {
	return p.Publish(ctx, Mutation{Mode: ModeTransaction, TransactionMode: TxStart, TransactionID: txID, TaskStart: taskStart})
}

func (p *Publisher) commitTx(ctx context.Context, txID string, taskStart int64) error {
	return p.Publish(ctx, Mutation{Mode: ModeTransaction, TransactionMode: TxCommit, TransactionID: txID, TaskStart: taskStart})
}

func (p *Publisher) rollbackTx(ctx context.Context, txID string, taskStart int64) error {
	return p.Publish(ctx, Mutation{Mode: ModeTransaction, TransactionMode: TxRollback, TransactionID: txID, TaskStart: taskStart})
}

// PublishRequestOptions configures PublishDBWithRequest.
type PublishRequestOptions struct {
	Records       []Mutation
	Caller        string
	SkipRequest   bool
	TransactionID string
	Expires       int64

	// RequestID overrides which request row (and its tags/batch link) this
	// call upserts; defaults to pkt.Settings.RecordID when empty.
	RequestID string

	// ExtraColumns adds caller-supplied column/value pairs (spec's
	// request_cols) onto the request row upsert, alongside the fixed
	// state/sent_time/fallback_mode/system_id columns below.
	ExtraColumns map[string]any

	// Fields upserted onto the request row when not SkipRequest.
	RequestState        string
	RequestSentTime     int64
	RequestFallbackMode string
	RequestSystemID     string
}

func defaultTransactionID(recordID, caller string) string {
	if caller == "" {
		caller = "unknown_caller"
	}
	return recordID + "_" + caller
}

// PublishDBWithRequest is the compound operation from spec §4.5: start tx,
// emit caller-supplied records, upsert the request row + four heavy tags +
// request_batch link (unless skipped), then commit; any failure rolls the
// same transaction back and returns the first error, publishing no further
// statements.
func (p *Publisher) PublishDBWithRequest(ctx context.Context, pkt *packet.Packet, opts PublishRequestOptions) error {
	txID := opts.TransactionID
	if txID == "" {
		txID = defaultTransactionID(pkt.Settings.RecordID, opts.Caller)
	}
	taskStart := pkt.Settings.TaskStart

	if err := p.startTx(ctx, txID, taskStart); err != nil {
		return err
	}

	rollback := func(cause error) error {
		_ = p.rollbackTx(ctx, txID, taskStart)
		return errs.Wrap(errs.TransactionAborted, "publish db with request", cause)
	}

	for i := range opts.Records {
		m := opts.Records[i]
		m.TransactionID = txID
		m.TaskStart = taskStart
		if err := p.Publish(ctx, m); err != nil {
			return rollback(err)
		}
	}

	if !opts.SkipRequest {
		if err := p.publishRequestUpsert(ctx, pkt, opts, txID, taskStart); err != nil {
			return rollback(err)
		}
	}

	if err := p.commitTx(ctx, txID, taskStart); err != nil {
		return rollback(err)
	}
	return nil
}

func (p *Publisher) publishRequestUpsert(ctx context.Context, pkt *packet.Packet, opts PublishRequestOptions, txID string, taskStart int64) error {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = pkt.Settings.RecordID
	}

	cols := []string{"id"}
	vals := []any{requestID}
	if opts.RequestState != "" {
		cols = append(cols, "state")
		vals = append(vals, opts.RequestState)
	}
	if opts.RequestSentTime != 0 {
		cols = append(cols, "sent_time")
		vals = append(vals, opts.RequestSentTime)
	}
	if opts.RequestFallbackMode != "" {
		cols = append(cols, "fallback_mode")
		vals = append(vals, opts.RequestFallbackMode)
	}
	if opts.RequestSystemID != "" {
		cols = append(cols, "system_id")
		vals = append(vals, opts.RequestSystemID)
	}
	for name, value := range opts.ExtraColumns {
		cols = append(cols, name)
		vals = append(vals, value)
	}

	if err := p.Publish(ctx, Mutation{
		Mode: ModeUpdate, Table: "request", Columns: cols, Values: vals,
		Where: "id = ?", TransactionID: txID, TaskStart: taskStart,
	}); err != nil {
		return err
	}

	expiresFlag := 0
	if opts.Expires > 0 {
		expiresFlag = 1
	}

	settingsJSON, err := json.Marshal(pkt.Settings)
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal settings tag", err)
	}

	tags := []struct {
		name  string
		value string
	}{
		{"_sito_settings", string(settingsJSON)},
		{"_sito_cargo", string(pkt.Cargo)},
		{"_sito_history", mustJSON(pkt.Settings.History)},
		{"_sito_status_detail", pkt.Settings.RequestStatusDetail},
	}
	for _, t := range tags {
		if err := p.Publish(ctx, Mutation{
			Mode: ModeUpdate, Table: "request_tags",
			Columns: []string{"request_id", "tag_name", "tag_value", "expires_flag"},
			Values:  []any{requestID, t.name, t.value, expiresFlag},
			TransactionID: txID, TaskStart: taskStart,
		}); err != nil {
			return err
		}
	}

	if pkt.Settings.BatchID != "" {
		if err := p.Publish(ctx, Mutation{
			Mode: ModeUpdate, Table: "request_batch",
			Columns: []string{"request_id", "batch_id"},
			Values:  []any{requestID, pkt.Settings.BatchID},
			TransactionID: txID, TaskStart: taskStart,
		}); err != nil {
			return err
		}
	}

	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
