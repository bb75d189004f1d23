// Package broker is the only component that touches wire state: it maps
// the spec's AMQP-style exchange/queue vocabulary onto Kafka topics, the
// way the teacher repo always did (its "exchange" was already a topic).
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/sitorouter/sitorouter/internal/config"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/logging"
)

// AckOutcome is what a per-queue callback decides to do with a delivery.
type AckOutcome int

const (
	Ack AckOutcome = iota
	Nack
	Requeue
)

// PerQueueCallback processes one raw payload from one queue.
type PerQueueCallback func(ctx context.Context, queue string, payload []byte) AckOutcome

// Adapter is the broker abstraction the router core and stage consumers use.
type Adapter interface {
	DeclareTopology(ctx context.Context, classes []config.ClassConfig) error
	Publish(ctx context.Context, exchange, routingKey string, payload []byte) error
	ConsumePoll(ctx context.Context, queues []string, cb PerQueueCallback, qmax int) error
	Close() error
}

// KafkaAdapter implements Adapter on top of segmentio/kafka-go, one writer
// per exchange (lazily created) and one reader per queue.
type KafkaAdapter struct {
	brokers []string
	log     *slog.Logger

	writers map[string]*kgo.Writer
	readers map[string]*kgo.Reader
}

func NewKafkaAdapter(brokers []string) *KafkaAdapter {
	return &KafkaAdapter{
		brokers: brokers,
		log:     logging.With("broker"),
		writers: map[string]*kgo.Writer{},
		readers: map[string]*kgo.Reader{},
	}
}

// DeclareTopology is a no-op beyond bookkeeping: Kafka topics are declared
// out of band (auto-create or admin tooling); this mirrors the passive-then
// -active declare pattern only in spirit, by pre-warming writers for every
// exchange a class references. Notify-kind classes are skipped since their
// queues are externally owned per spec §4.2.
func (a *KafkaAdapter) DeclareTopology(ctx context.Context, classes []config.ClassConfig) error {
	for _, c := range classes {
		if c.Kind == config.KindNotify {
			continue
		}
		if c.Exchange == "" {
			continue
		}
		a.writerFor(c.Exchange)
	}
	return nil
}

func (a *KafkaAdapter) writerFor(topic string) *kgo.Writer {
	if w, ok := a.writers[topic]; ok {
		return w
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(a.brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	a.writers[topic] = w
	return w
}

// Publish is best-effort: RequireOne acks, no synchronous read-back.
func (a *KafkaAdapter) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	w := a.writerFor(exchange)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := w.WriteMessages(cctx, kgo.Message{
		Key:   []byte(routingKey),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		return errs.Wrap(errs.BrokerPublishFailed, "publish to "+exchange, err)
	}
	return nil
}

// ConsumePoll multiplexes several queues, one goroutine per queue, all
// funneling delivery outcomes back to the caller's callback. It blocks
// until ctx is cancelled or, for debugging, until any queue has delivered
// qmax messages (qmax<=0 disables the cap).
func (a *KafkaAdapter) ConsumePoll(ctx context.Context, queues []string, cb PerQueueCallback, qmax int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(queues))
	for _, q := range queues {
		q := q
		go a.consumeOne(ctx, q, cb, qmax, errCh, cancel)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *KafkaAdapter) consumeOne(ctx context.Context, queue string, cb PerQueueCallback, qmax int, errCh chan<- error, cancel context.CancelFunc) {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        a.brokers,
		Topic:          queue,
		GroupID:        "sitorouter",
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	defer r.Close()

	count := 0
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			errCh <- errs.Wrap(errs.ConsumerFailed, "fetch from "+queue, err)
			cancel()
			return
		}

		outcome := cb(ctx, queue, m.Value)
		switch outcome {
		case Ack:
			cctx, done := context.WithTimeout(ctx, 3*time.Second)
			if err := r.CommitMessages(cctx, m); err != nil {
				a.log.Warn("commit failed", "queue", queue, "err", err)
			}
			done()
		case Nack:
			a.log.Warn("nack, leaving for redelivery", "queue", queue)
		case Requeue:
			cctx, done := context.WithTimeout(ctx, 3*time.Second)
			_ = r.CommitMessages(cctx, m)
			done()
		}

		count++
		if qmax > 0 && count >= qmax {
			cancel()
			return
		}
	}
}

func (a *KafkaAdapter) Close() error {
	var firstErr error
	for _, w := range a.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
