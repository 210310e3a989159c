package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/tabletop/go/internal/dbconfig"
	"github.com/mcdev12/tabletop/go/internal/turntimer/migrations"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := dbconfig.NewConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("load database config")
	}
	pool, err := cfg.NewPool(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Int("applied", applied).Msg("migration failed")
	}
	log.Info().Int("applied", applied).Str("database", cfg.Database).Msg("migrations up to date")
}
