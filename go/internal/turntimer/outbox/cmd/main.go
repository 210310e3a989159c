package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabletop/go/internal/dbconfig"
	"github.com/mcdev12/tabletop/go/internal/turntimer/outbox"
)

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	dbCfg, err := dbconfig.NewConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("load database config")
	}
	relayCfg, err := env.ParseAs[outbox.Config]()
	if err != nil {
		log.Fatal().Err(err).Msg("load outbox config")
	}
	relayCfg.DatabaseURL = dbCfg.DSN()
	jsCfg, err := env.ParseAs[outbox.JetStreamConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("load NATS config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", relayCfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}
	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")

	publisher, err := outbox.NewJetStreamPublisher(ctx, jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create JetStream publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}()

	listener, err := outbox.NewListener(relayCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create outbox listener")
	}

	relay := outbox.NewRelay(outbox.NewRepository(db), listener, publisher, clockwork.NewRealClock(), relayCfg)
	log.Info().
		Str("stream", jsCfg.StreamName).
		Str("subject_prefix", jsCfg.SubjectPrefix).
		Msg("starting turn timer outbox relay")

	if err := relay.Run(ctx); err != nil {
		log.Error().Err(err).Msg("outbox relay exited with error")
	}
	stats := relay.Stats()
	log.Info().
		Uint64("published", stats.Published).
		Uint64("failed", stats.Failed).
		Msg("graceful shutdown complete")
}
