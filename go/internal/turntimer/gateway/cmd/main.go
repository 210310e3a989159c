package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/mcdev12/tabletop/go/internal/dbconfig"
	"github.com/mcdev12/tabletop/go/internal/turntimer"
	"github.com/mcdev12/tabletop/go/internal/turntimer/coordinator"
	"github.com/mcdev12/tabletop/go/internal/turntimer/gateway"
	"github.com/mcdev12/tabletop/go/internal/turntimer/persist"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := gateway.LoadConfig(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load gateway config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("turn timer gateway failed")
	}
	log.Info().Msg("turn timer gateway shutdown complete")
}

func run(ctx context.Context, cfg gateway.Config) error {
	repo, closeRepo, err := setupRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	log.Info().
		Str("port", cfg.Port).
		Str("store", cfg.Store).
		Int("persist_workers", cfg.Persist.Workers).
		Msg("starting turn timer gateway")

	clock := clockwork.NewRealClock()
	app := turntimer.NewApp(repo, clock)
	writer := persist.NewWriter(app, clock, cfg.Persist)
	connections := gateway.NewConnectionManager(cfg.Connection)
	coord := coordinator.New(clock, connections, app, writer)

	commandCtx, cancelCommands := context.WithCancel(context.Background())
	defer cancelCommands()
	wsHandler := gateway.NewWebSocketHandler(commandCtx, connections, coord, writer, cfg.CommandTimeout)

	rpcPath, rpcHandler := turntimer.NewHandler(turntimer.NewService(coord))
	server := gateway.NewServer(cfg, gateway.NewRouter(wsHandler, rpcPath, rpcHandler))

	// The writer outlives the server so queued writes drain after the last command.
	writerCtx, stopWriter := context.WithCancel(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return writer.Run(writerCtx)
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("received shutdown signal")

		err := server.Shutdown(context.Background())
		cancelCommands()
		connections.CloseAll()
		coord.Close()
		stopWriter()
		return err
	})

	return g.Wait()
}

func setupRepository(ctx context.Context, cfg gateway.Config) (turntimer.TurnTimerRepository, func(), error) {
	if cfg.Store == gateway.StoreMemory {
		log.Warn().Msg("using in-memory store, timers are lost on restart")
		return turntimer.NewMemoryRepository(), func() {}, nil
	}

	dbCfg, err := dbconfig.NewConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	pool, err := dbCfg.NewPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("database", dbCfg.Database).Msg("connected to postgres")
	return turntimer.NewRepository(pool), pool.Close, nil
}
