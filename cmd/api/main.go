// Command api serves the router's HTTP ingress: start a flow, read its
// stashed state, replay it. Grounded on the teacher's cmd/api/main.go
// chi+cors wiring.
package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/config"
	"github.com/sitorouter/sitorouter/internal/db"
	"github.com/sitorouter/sitorouter/internal/dbpublish"
	"github.com/sitorouter/sitorouter/internal/delay"
	"github.com/sitorouter/sitorouter/internal/external"
	httpapi "github.com/sitorouter/sitorouter/internal/http"
	"github.com/sitorouter/sitorouter/internal/logging"
	"github.com/sitorouter/sitorouter/internal/router"
)

func main() {
	_ = godotenv.Load()
	logging.Setup(getenv("LOG_LEVEL", "info"))
	log := logging.Get()

	reg, err := config.Load(getenv("SITOROUTER_CONFIG", "config/settings.yaml"))
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	brokers := splitCSV(getenv("KAFKA_BROKERS", "localhost:9092"))
	adapter := broker.NewKafkaAdapter(brokers)
	defer adapter.Close()

	delaySched := delay.NewScheduler(adapter, delay.SystemClock)
	dbPub := dbpublish.NewPublisher(adapter)
	macro := external.SimpleMacroExpander{}
	text := &external.InMemoryTextSource{Templates: map[string]string{}}
	core := router.NewCore(reg, adapter, delaySched, dbPub, macro, text)

	var dbHandle *db.DB
	if dsn := getenv("DATABASE_URL", ""); dsn != "" {
		dbHandle, err = db.Connect(dsn)
		if err != nil {
			log.Error("connect db", "err", err)
			os.Exit(1)
		}
		defer dbHandle.Close()
	}

	app := &httpapi.App{Core: core, Registry: reg, DB: dbHandle}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	httpapi.RegisterRoutes(r, app)

	log.Info("api listening", "addr", ":8080")
	if err := http.ListenAndServe(":8080", r); err != nil {
		log.Error("api server stopped", "err", err)
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
