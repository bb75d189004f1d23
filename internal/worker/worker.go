// Package worker runs the consume loop for one or more queues against a
// dispatch function, with signal-driven graceful shutdown, grounded on the
// teacher's cmd/worker/main.go top-level wiring (context cancelled on
// SIGINT/SIGTERM, consumer loop exits cleanly).
package worker

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/logging"
)

// Runner owns one queue group's consume loop.
type Runner struct {
	Adapter broker.Adapter
	Queues  []string
	Handler broker.PerQueueCallback

	// MaxConsume is passed to ConsumePoll as qmax: the loop exits on its
	// own once any one queue has delivered MaxConsume messages (the count
	// is per queue, not a total); <=0 runs until the context is cancelled.
	// Intended for debug/test runs, mirroring the teacher's bounded local
	// dev loop.
	MaxConsume int
}

// Run installs a SIGINT/SIGTERM handler and blocks on the consume loop
// until cancelled or, in debug mode, until one queue has delivered
// MaxConsume messages.
func (r *Runner) Run(ctx context.Context) error {
	log := logging.With("worker")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting", "queues", r.Queues)
	err := r.Adapter.ConsumePoll(ctx, r.Queues, r.Handler, r.MaxConsume)
	if err != nil {
		log.Error("worker exited with error", "err", err)
		return err
	}
	log.Info("worker stopped")
	return nil
}
