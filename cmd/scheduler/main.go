// Command scheduler runs the delay queue's delivery loop, republishing each
// delayed message to its target exchange once due, grounded on the
// teacher's cmd/scheduler/main.go retry-topic consumer.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/delay"
	"github.com/sitorouter/sitorouter/internal/logging"
)

func main() {
	_ = godotenv.Load()
	logging.Setup(getenv("LOG_LEVEL", "info"))
	log := logging.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokers := splitCSV(getenv("KAFKA_BROKERS", "localhost:9092"))
	adapter := broker.NewKafkaAdapter(brokers)
	defer adapter.Close()

	sched := delay.NewScheduler(adapter, delay.SystemClock)
	log.Info("scheduler started")
	if err := sched.RunDeliveryLoop(ctx); err != nil {
		log.Error("scheduler stopped with error", "err", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
