// Command worker runs the example flow's exchange-class stages against the
// queues the process_route schedules work onto, grounded on the teacher's
// cmd/worker/main.go top-level wiring.
package main

import (
	"context"
	"os"
	"strings"

	awssdkconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"github.com/sitorouter/sitorouter/internal/awsconf"
	"github.com/sitorouter/sitorouter/internal/batch"
	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/config"
	"github.com/sitorouter/sitorouter/internal/db"
	"github.com/sitorouter/sitorouter/internal/dbpublish"
	"github.com/sitorouter/sitorouter/internal/delay"
	"github.com/sitorouter/sitorouter/internal/email"
	"github.com/sitorouter/sitorouter/internal/external"
	"github.com/sitorouter/sitorouter/internal/logging"
	"github.com/sitorouter/sitorouter/internal/router"
	exstage "github.com/sitorouter/sitorouter/internal/stage/example"
	"github.com/sitorouter/sitorouter/internal/worker"
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()
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
	if err := adapter.DeclareTopology(ctx, allClasses(reg)); err != nil {
		log.Error("declare topology", "err", err)
		os.Exit(1)
	}

	delaySched := delay.NewScheduler(adapter, delay.SystemClock)

	dsn := getenv("DATABASE_URL", "")
	var dbHandle *db.DB
	var dbPub *dbpublish.Publisher
	if dsn != "" {
		dbHandle, err = db.Connect(dsn)
		if err != nil {
			log.Error("connect db", "err", err)
			os.Exit(1)
		}
		defer dbHandle.Close()
	}
	dbPub = dbpublish.NewPublisher(adapter)

	awsCfg, err := awssdkconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("load aws config", "err", err)
		os.Exit(1)
	}
	sender, err := email.NewSESSender(awsCfg)
	if err != nil {
		log.Error("init ses sender", "err", err)
		os.Exit(1)
	}

	macro := external.SimpleMacroExpander{}
	text := &external.InMemoryTextSource{Templates: map[string]string{}}
	core := router.NewCore(reg, adapter, delaySched, dbPub, macro, text)

	var batchStore *batch.Store
	dynClient, err := awsconf.NewDynamoClient(ctx)
	if err != nil {
		log.Warn("dynamo client unavailable, batch store disabled", "err", err)
	} else if table, terr := awsconf.DynamoTableName(); terr == nil {
		batchStore = batch.NewStore(dynClient, table, delaySched)
	} else {
		log.Warn("dynamo table unset, batch store disabled", "err", terr)
	}

	stages := exstage.NewStages(core, sender, dbPub, batchStore)

	queues := []string{"ingress-batch", "validate-input", "send-email", "request-results", "batch-dlr"}
	r := &worker.Runner{
		Adapter: adapter,
		Queues:  queues,
		Handler: stages.Dispatch(reg.CargoKey, reg.SettingsKey),
	}
	if err := r.Run(ctx); err != nil {
		log.Error("worker stopped with error", "err", err)
		os.Exit(1)
	}
}

func allClasses(reg *config.ClassRegistry) []config.ClassConfig {
	var out []config.ClassConfig
	out = append(out, reg.ByKind(config.KindWork)...)
	out = append(out, reg.ByKind(config.KindExchange)...)
	out = append(out, reg.ByKind(config.KindNotify)...)
	return out
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
