// Schema migration tool. Opens the database, compares every table's
// live column layout against the expected schema, and rebuilds any
// table whose header drifted (copying the surviving columns across).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/logger"
	"github.com/dvloznov/sms-ledger/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("SMSLEDGER_CONFIG"), "Path to config file (or set SMSLEDGER_CONFIG env)")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	path := cfg.DBPath
	if *dbPath != "" {
		path = *dbPath
	}

	st, err := store.Open(path)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", path).Msg("Failed to open store")
	}
	defer st.Close()

	result, err := st.Migrate(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().
		Int("checked", len(result.Checked)).
		Strs("rebuilt", result.Rebuilt).
		Msg("Migration complete")

	if len(result.Rebuilt) == 0 {
		log.Info().Msg("All tables match the expected schema")
	}
}
