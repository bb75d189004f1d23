// Package delay implements the delayed-delivery mechanism: a message that
// re-enters a target exchange/queue at or after a wall-clock epoch. It is
// grounded on the teacher's retry-topic/scheduler pair
// (cmd/scheduler/main.go republishing to the main topic once due), rounded
// to minute granularity to bound the number of distinct delay queues.
package delay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/errs"
)

// Clock is injected so tests can control "now" instead of calling time.Now().
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}

// Spec describes one delayed delivery.
type Spec struct {
	// Exactly one of ExpireEpoch or ExpireDelta should be set; ExpireDelta
	// wins if both are, since it's computed relative to Clock.Now().
	ExpireEpoch int64
	ExpireDelta time.Duration

	TargetExchange string
	TargetRoute    string
	Payload        []byte
}

// envelope is what actually rides on the delay queue: the due epoch plus
// the original payload, so the delay consumer can hold it until due.
type envelope struct {
	DueEpoch       int64  `json:"due_epoch"`
	TargetExchange string `json:"target_exchange"`
	TargetRoute    string `json:"target_route"`
	Payload        []byte `json:"payload"`
}

const delayExchange = "sito.delay"

// Scheduler publishes delayed messages and runs the consumer loop that
// redelivers them once due.
type Scheduler struct {
	adapter broker.Adapter
	clock   Clock
}

func NewScheduler(adapter broker.Adapter, clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{adapter: adapter, clock: clock}
}

// roundUpToMinute rounds an epoch (seconds) up to the next full minute, to
// limit how many distinct delay queues exist across the fleet.
func roundUpToMinute(epoch int64) int64 {
	const minute = 60
	if epoch%minute == 0 {
		return epoch
	}
	return (epoch/minute + 1) * minute
}

// PublishDelayed submits payload for redelivery to targetExchange/targetRoute
// at or after the resolved due epoch.
func (s *Scheduler) PublishDelayed(ctx context.Context, spec Spec) error {
	var due int64
	if spec.ExpireDelta > 0 {
		due = s.clock.Now().Add(spec.ExpireDelta).Unix()
	} else {
		due = spec.ExpireEpoch
	}
	due = roundUpToMinute(due)

	env := envelope{
		DueEpoch:       due,
		TargetExchange: spec.TargetExchange,
		TargetRoute:    spec.TargetRoute,
		Payload:        spec.Payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal delay envelope", err)
	}

	return s.adapter.Publish(ctx, delayExchange, spec.TargetRoute, body)
}

// RunDeliveryLoop consumes the delay queue and republishes each message to
// its target once due, blocking the goroutine that owns it until the
// message is due. Intended to run as its own worker process (mirroring the
// teacher's separate scheduler binary).
func (s *Scheduler) RunDeliveryLoop(ctx context.Context) error {
	return s.adapter.ConsumePoll(ctx, []string{delayExchange}, func(ctx context.Context, queue string, payload []byte) broker.AckOutcome {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return broker.Ack // unparsable, drop it (spec: parse errors ack + log)
		}

		now := s.clock.Now().Unix()
		if env.DueEpoch > now {
			wait := time.Duration(env.DueEpoch-now) * time.Second
			select {
			case <-ctx.Done():
				return broker.Requeue
			case <-time.After(wait):
			}
		}

		if err := s.adapter.Publish(ctx, env.TargetExchange, env.TargetRoute, env.Payload); err != nil {
			return broker.Nack
		}
		return broker.Ack
	}, 0)
}
