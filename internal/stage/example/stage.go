// Package example provides one illustrative work/exchange/notify stage
// set (input validation, a chaos-injected email send, and a terminal
// results writer) to exercise the router core end to end, grounded on the
// teacher's cmd/worker/send.go attemptSend (chaos injection before a real
// send call) composed with a router.Core handle rather than inherited.
package example

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/sitorouter/sitorouter/internal/batch"
	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/dbpublish"
	"github.com/sitorouter/sitorouter/internal/email"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/logging"
	"github.com/sitorouter/sitorouter/internal/packet"
	"github.com/sitorouter/sitorouter/internal/router"
)

// NotifyCargo is the cargo shape the example flow's work class carries.
type NotifyCargo struct {
	RecipientEmail   string `json:"recipient_email"`
	EventType        string `json:"event_type"`
	EntityID         string `json:"entity_id"`
	Priority         string `json:"priority"`
	Channel          string `json:"channel"`
	ChaosFailPercent int    `json:"chaos_fail_percent"`
}

// Stages holds the collaborators every stage in this example flow needs: a
// router.Core to advance or abort the packet, and an email.Sender to back
// the SendEmail class.
type Stages struct {
	Core      *router.Core
	Sender    email.Sender
	DBPublish *dbpublish.Publisher
	Batch     *batch.Store
	rand      *rand.Rand
}

func NewStages(core *router.Core, sender email.Sender, dbp *dbpublish.Publisher, batchStore *batch.Store) *Stages {
	return &Stages{Core: core, Sender: sender, DBPublish: dbp, Batch: batchStore, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Dispatch is the broker.PerQueueCallback that routes a raw delivery to the
// stage function named by the queue it arrived on.
func (s *Stages) Dispatch(cargoKey, settingsKey string) broker.PerQueueCallback {
	return func(ctx context.Context, queue string, payload []byte) broker.AckOutcome {
		if queue == batchDLRQueue {
			if err := s.FinalizeBatch(ctx, payload); err != nil {
				logging.With("stage.example").Error("finalize batch failed", "queue", queue, "err", err)
				return broker.Nack
			}
			return broker.Ack
		}

		pkt, err := packet.Decode(payload, cargoKey, settingsKey)
		if err != nil {
			logging.With("stage.example").Error("undecodable packet, dropping", "queue", queue, "err", err)
			return broker.Ack
		}

		var stageErr error
		switch queue {
		case "ingress-batch":
			stageErr = s.IngressBatch(ctx, pkt)
		case "validate-input":
			stageErr = s.ValidateInput(ctx, pkt)
		case "send-email":
			stageErr = s.SendEmail(ctx, pkt)
		case "request-results":
			stageErr = s.RequestResults(ctx, pkt)
		default:
			logging.With("stage.example").Warn("no stage bound to queue", "queue", queue)
			return broker.Ack
		}
		if stageErr != nil {
			logging.With("stage.example").Error("stage failed after abort handling", "queue", queue, "err", stageErr)
			return broker.Nack
		}
		return broker.Ack
	}
}

func decodeCargo(pkt *packet.Packet) (NotifyCargo, error) {
	var c NotifyCargo
	if err := json.Unmarshal(pkt.Cargo, &c); err != nil {
		return c, errs.Wrap(errs.JSONDecodeError, "decode notify cargo", err)
	}
	return c, nil
}

// ValidateInput is a work-adjacent exchange class checking the cargo has
// the fields SendEmail needs before spending a real send attempt on it.
func (s *Stages) ValidateInput(ctx context.Context, pkt *packet.Packet) error {
	if s.Batch != nil && pkt.Settings.BatchID != "" {
		if err := s.Batch.CheckGo(ctx, pkt.Settings.BatchID); err != nil {
			logging.With("stage.example").Warn("re-entry blocked by batch deliver_condition", "batch_id", pkt.Settings.BatchID, "err", err)
			return nil
		}
	}

	c, err := decodeCargo(pkt)
	if err != nil {
		return s.Core.PublishAbort(ctx, pkt, router.AbortOptions{
			ClassName:  "ValidateInput",
			SitoReturn: &packet.SitoReturn{Code: "BAD_CARGO", Description: err.Error()},
		})
	}
	if c.RecipientEmail == "" {
		return s.Core.PublishAbort(ctx, pkt, router.AbortOptions{
			ClassName:  "ValidateInput",
			SitoReturn: &packet.SitoReturn{Code: "MISSING_RECIPIENT", Description: "recipient_email is required"},
		})
	}
	return s.Core.PublishNext(ctx, pkt, 0)
}

// SendEmail chaos-injects a synthetic failure before attempting a real
// send, exactly per the teacher's attemptSend, then retries or aborts
// through the router core on failure.
func (s *Stages) SendEmail(ctx context.Context, pkt *packet.Packet) error {
	c, err := decodeCargo(pkt)
	if err != nil {
		return s.Core.PublishAbort(ctx, pkt, router.AbortOptions{
			ClassName:  "SendEmail",
			SitoReturn: &packet.SitoReturn{Code: "BAD_CARGO", Description: err.Error()},
		})
	}

	if ok, reason := s.attemptSend(ctx, c); !ok {
		pkt.Settings.RetryReady = true
		return s.Core.PublishAbort(ctx, pkt, router.AbortOptions{
			ClassName:   "SendEmail",
			SitoReturn:  &packet.SitoReturn{Code: "SEND_FAILED", Description: reason},
			MessageName: "send_failed",
		})
	}
	return s.Core.PublishNext(ctx, pkt, 0)
}

func (s *Stages) attemptSend(ctx context.Context, c NotifyCargo) (bool, string) {
	p := c.ChaosFailPercent
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if s.rand.Intn(100) < p {
		return false, "chaos injected failure"
	}

	subject := fmt.Sprintf("[sitorouter] %s (%s)", c.EventType, c.EntityID)
	body := fmt.Sprintf("EventType: %s\nEntityID: %s\nPriority: %s\nChannel: %s\n", c.EventType, c.EntityID, c.Priority, c.Channel)
	if err := s.Sender.Send(ctx, c.RecipientEmail, subject, body); err != nil {
		return false, "send failed: " + err.Error()
	}
	return true, ""
}

// RequestResults is the terminal class named by the default global abort
// route and by this example's own process_route tail: it records the
// final request row and tags via the DB-update publisher.
func (s *Stages) RequestResults(ctx context.Context, pkt *packet.Packet) error {
	state := "DONE"
	if pkt.Settings.AbortStatus == "ABORTED" {
		state = "ABORTED"
	}
	err := s.DBPublish.PublishDBWithRequest(ctx, pkt, dbpublish.PublishRequestOptions{
		Caller:       "stage.example.RequestResults",
		RequestState: state,
	})
	if err != nil {
		return err
	}

	if s.Batch != nil && pkt.Settings.BatchID != "" {
		if state == "DONE" {
			if err := s.Batch.IncrGood(ctx, pkt.Settings.BatchID); err != nil {
				logging.With("stage.example").Error("incr batch good_count", "batch_id", pkt.Settings.BatchID, "err", err)
			}
		} else {
			if err := s.Batch.IncrBad(ctx, pkt.Settings.BatchID); err != nil {
				logging.With("stage.example").Error("incr batch bad_count", "batch_id", pkt.Settings.BatchID, "err", err)
			}
		}
	}

	return s.Core.PublishNext(ctx, pkt, 0)
}
