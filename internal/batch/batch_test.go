package batch

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
)

// Property: TTL is the later of an explicit expiration and
// deliver_time+ttl_seconds, per S5's delay authority.
func TestEffectiveTTLTakesTheLaterDeadline(t *testing.T) {
	assert.Equal(t, int64(100), effectiveTTL(0, 40, 60))
	assert.Equal(t, int64(500), effectiveTTL(500, 40, 60))
	assert.Equal(t, int64(100), effectiveTTL(50, 40, 60))
}

func TestDelayedStateFormatsEpoch(t *testing.T) {
	assert.Equal(t, State("DELAYED:1700000000"), DelayedState(1700000000))
}

func TestIsConditionalCheckFailedRecognizesTypedError(t *testing.T) {
	var cfe *types.ConditionalCheckFailedException
	assert.True(t, IsConditionalCheckFailed(cfe))
	assert.False(t, IsConditionalCheckFailed(errors.New("some other failure")))
}

// Property: a batch whose deliver_condition is ABORT blocks re-entry (S6),
// while GO and the zero value both allow it.
func TestCheckGoDecisionFromDeliverCondition(t *testing.T) {
	cases := []struct {
		cond    DeliverCondition
		blocked bool
	}{
		{DeliverGo, false},
		{DeliverAbort, true},
		{"", false},
	}
	for _, c := range cases {
		rec := &Record{DeliverCondition: string(c.cond)}
		blocked := DeliverCondition(rec.DeliverCondition) == DeliverAbort
		assert.Equal(t, c.blocked, blocked)
	}
}
