package dbpublish_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/config"
	"github.com/sitorouter/sitorouter/internal/dbpublish"
	"github.com/sitorouter/sitorouter/internal/packet"
)

type recordingAdapter struct {
	published []dbpublish.Mutation
	failAfter int // fail the Nth publish call (1-indexed), 0 disables
	calls     int
}

func (a *recordingAdapter) DeclareTopology(ctx context.Context, classes []config.ClassConfig) error { return nil }

func (a *recordingAdapter) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	a.calls++
	if a.failAfter > 0 && a.calls == a.failAfter {
		return errors.New("injected publish failure")
	}
	var m dbpublish.Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	a.published = append(a.published, m)
	return nil
}

func (a *recordingAdapter) ConsumePoll(ctx context.Context, queues []string, cb broker.PerQueueCallback, qmax int) error {
	return nil
}

func (a *recordingAdapter) Close() error { return nil }

// Property: every mutation of one PublishDBWithRequest call shares the same
// transaction_id and affinity key (task_start), including start/commit.
func TestPublishDBWithRequestSharesAffinity(t *testing.T) {
	adapter := &recordingAdapter{}
	pub := dbpublish.NewPublisher(adapter)
	pkt := &packet.Packet{
		Cargo: json.RawMessage(`{}`),
		Settings: packet.Settings{
			RecordID:  "rec-1",
			BatchID:   "batch-1",
			TaskStart: 42,
			History:   []string{"A"},
		},
	}

	err := pub.PublishDBWithRequest(context.Background(), pkt, dbpublish.PublishRequestOptions{
		Caller:       "test",
		RequestState: "DONE",
	})
	require.NoError(t, err)
	require.NotEmpty(t, adapter.published)

	txID := adapter.published[0].TransactionID
	assert.NotEmpty(t, txID)
	for _, m := range adapter.published {
		assert.Equal(t, txID, m.TransactionID)
		assert.Equal(t, int64(42), m.TaskStart)
	}
	assert.Equal(t, dbpublish.TxStart, adapter.published[0].TransactionMode)
	assert.Equal(t, dbpublish.TxCommit, adapter.published[len(adapter.published)-1].TransactionMode)
}

// Property: a mid-sequence publish failure rolls the transaction back
// instead of leaving a half-committed sequence, and surfaces a
// TransactionAborted error.
func TestPublishDBWithRequestRollsBackOnFailure(t *testing.T) {
	adapter := &recordingAdapter{failAfter: 3} // fail partway through the tag writes
	pub := dbpublish.NewPublisher(adapter)
	pkt := &packet.Packet{
		Cargo:    json.RawMessage(`{}`),
		Settings: packet.Settings{RecordID: "rec-2", TaskStart: 7},
	}

	err := pub.PublishDBWithRequest(context.Background(), pkt, dbpublish.PublishRequestOptions{Caller: "test"})
	require.Error(t, err)

	var last dbpublish.Mutation
	for _, m := range adapter.published {
		if m.Mode == dbpublish.ModeTransaction {
			last = m
		}
	}
	assert.Equal(t, dbpublish.TxRollback, last.TransactionMode)
}

// Property: AffinityKey is a pure function of task_start — same input,
// same shard, every time.
func TestAffinityKeyIsStable(t *testing.T) {
	k1 := dbpublish.AffinityKey(1234)
	k2 := dbpublish.AffinityKey(1234)
	assert.Equal(t, k1, k2)
}
