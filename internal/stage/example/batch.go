package example

import (
	"context"
	"encoding/json"

	"github.com/sitorouter/sitorouter/internal/batch"
	"github.com/sitorouter/sitorouter/internal/dbpublish"
	"github.com/sitorouter/sitorouter/internal/delay"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/logging"
	"github.com/sitorouter/sitorouter/internal/packet"
	"github.com/sitorouter/sitorouter/internal/router"
)

// BatchCargo is the cargo shape IngressBatch expects: everything needed to
// seed the batch's KV record before the packet continues into its normal
// process_route, per spec §4.6.
type BatchCargo struct {
	BatchID    string `json:"batch_id"`
	BatchSize  int    `json:"batch_size"`
	SendTime   int64  `json:"send_time"`
	BatchStart int64  `json:"batch_start"`
	Expiration int64  `json:"expiration"`
	TTLSeconds int64  `json:"ttl_seconds"`
	CommonTags any    `json:"common_tags"`
	Requests   any    `json:"requests"`
}

const (
	batchDLRExchange = "sito.stages"
	batchDLRQueue    = "batch-dlr"
)

type dlrPayload struct {
	BatchID string `json:"batch_id"`
}

// isDelayedSend decides scenario S5's branch: a batch whose send_time sits
// more than min_delay past its own batch_start is parked rather than run
// now.
func isDelayedSend(sendTime, batchStart int64, minDelay int) bool {
	return sendTime > 0 && sendTime > batchStart+int64(minDelay)
}

// IngressBatch is the SrReceipt-style entrypoint for batch-oriented work,
// per spec §4.6 and scenario S5: it creates the batch's KV record either
// way, and if send_time falls far enough past batch_start (more than the
// class's own min_delay), it parks the packet itself with a delayed
// republish to this same queue instead of letting it run now.
func (s *Stages) IngressBatch(ctx context.Context, pkt *packet.Packet) error {
	if s.Batch == nil {
		return s.Core.PublishNext(ctx, pkt, 0)
	}

	var c BatchCargo
	if err := json.Unmarshal(pkt.Cargo, &c); err != nil {
		return s.Core.PublishAbort(ctx, pkt, router.AbortOptions{
			ClassName:  "IngressBatch",
			SitoReturn: &packet.SitoReturn{Code: "BAD_CARGO", Description: err.Error()},
		})
	}
	if c.BatchID == "" {
		return s.Core.PublishAbort(ctx, pkt, router.AbortOptions{
			ClassName:  "IngressBatch",
			SitoReturn: &packet.SitoReturn{Code: "MISSING_BATCH_ID", Description: "batch_id is required"},
		})
	}
	pkt.Settings.BatchID = c.BatchID

	batchStart := c.BatchStart
	if batchStart == 0 {
		batchStart = s.Core.Clock.Now().Unix()
	}

	minDelay := 0
	if cls, ok := s.Core.Registry.Get("IngressBatch"); ok {
		minDelay = cls.MinDelay
	}
	delayed := isDelayedSend(c.SendTime, batchStart, minDelay)

	state := batch.StateProcessing
	if delayed {
		state = batch.DelayedState(c.SendTime)
	}

	dlrBody, err := json.Marshal(dlrPayload{BatchID: c.BatchID})
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal batch dlr payload", err)
	}

	if err := s.Batch.Create(ctx, batch.CreateOptions{
		BatchID:     c.BatchID,
		BatchSize:   c.BatchSize,
		CommonTags:  c.CommonTags,
		Requests:    c.Requests,
		SendTime:    c.SendTime,
		BatchStart:  batchStart,
		DelayTime:   c.SendTime,
		SystemID:    pkt.Settings.SystemID,
		Expiration:  c.Expiration,
		TTLSeconds:  c.TTLSeconds,
		DLRExchange: batchDLRExchange,
		DLRRoute:    batchDLRQueue,
		DLRPayload:  dlrBody,
	}); err != nil {
		return err
	}
	if state != batch.StateProcessing {
		// Create already wrote StateProcessing; a delayed batch's initial
		// visible state is DELAYED:<epoch> per S5, so correct it here rather
		// than teach Create two different opening states.
		if err := s.Batch.SetState(ctx, c.BatchID, state); err != nil {
			return err
		}
	}

	if !delayed {
		return s.Core.PublishNext(ctx, pkt, 0)
	}

	body, err := packet.Encode(pkt, s.Core.Registry.CargoKey, s.Core.Registry.SettingsKey)
	if err != nil {
		return err
	}
	return s.Core.Delay.PublishDelayed(ctx, delay.Spec{
		ExpireEpoch:    c.SendTime,
		TargetExchange: batchDLRExchange,
		TargetRoute:    "ingress-batch",
		Payload:        body,
	})
}

// FinalizeBatch is the DLR-triggered consumer from spec §4.6: once a
// batch's TTL fires, it transitions the batch to DONE or ABORTED depending
// on whether any request failed, writes that outcome to the relational
// request_batch table through the DB-update publisher, and deletes the
// batch's KV entry.
func (s *Stages) FinalizeBatch(ctx context.Context, payload []byte) error {
	if s.Batch == nil {
		return nil
	}
	var p dlrPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logging.With("stage.example").Error("undecodable batch dlr payload, dropping", "err", err)
		return nil
	}

	rec, err := s.Batch.Get(ctx, p.BatchID)
	if err != nil {
		return err
	}
	if rec == nil {
		logging.With("stage.example").Warn("batch dlr fired for unknown or already-finalized batch", "batch_id", p.BatchID)
		return nil
	}

	finalState := batch.StateDone
	if rec.BadCount > 0 {
		finalState = batch.StateAborted
	}

	if err := s.Batch.SetState(ctx, p.BatchID, finalState); err != nil {
		return err
	}

	if err := s.DBPublish.Publish(ctx, dbpublish.Mutation{
		Mode:          dbpublish.ModeUpdate,
		Table:         "request_batch",
		Columns:       []string{"batch_id", "state", "good_count", "bad_count"},
		Values:        []any{p.BatchID, string(finalState), rec.GoodCount, rec.BadCount},
		Where:         "batch_id = ?",
		TransactionID: "batch_" + p.BatchID + "_finalize",
		TaskStart:     rec.BatchStart,
	}); err != nil {
		return err
	}

	if err := s.Batch.Delete(ctx, p.BatchID); err != nil {
		return err
	}

	logging.With("stage.example").Info("batch finalized", "batch_id", p.BatchID, "state", finalState, "good_count", rec.GoodCount, "bad_count", rec.BadCount)
	return nil
}
