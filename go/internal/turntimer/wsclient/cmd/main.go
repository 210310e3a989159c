package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mcdev12/tabletop/go/internal/turntimer"
	"github.com/mcdev12/tabletop/go/internal/turntimer/countdown"
	"github.com/mcdev12/tabletop/go/internal/turntimer/wsclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type config struct {
	GatewayURL   string        `env:"GATEWAY_URL" envDefault:"http://localhost:8081"`
	SessionID    uuid.UUID     `env:"SESSION_ID,required"`
	UserID       string        `env:"USER_ID" envDefault:"watcher"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"100ms"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"warn"`
}

// watcher renders one session's countdown on a single terminal line.
type watcher struct {
	names  map[uuid.UUID]string
	client *wsclient.Client
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid watcher config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &watcher{names: playerNames(ctx, cfg)}
	client, err := wsclient.New(wsclient.Config{
		URL:          cfg.GatewayURL,
		SessionID:    cfg.SessionID,
		UserID:       cfg.UserID,
		TickInterval: cfg.TickInterval,
		OnTick:       w.render,
		OnStatus: func(s wsclient.Status) {
			if s != wsclient.StatusConnected {
				fmt.Printf("\r\033[K[%s]", s)
			}
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create turn timer client")
	}
	w.client = client

	if err := client.Run(ctx); err != nil {
		fmt.Println()
		log.Fatal().Err(err).Str("session_id", cfg.SessionID.String()).Msg("turn timer watcher stopped")
	}
	fmt.Println()
}

// playerNames asks the durable service for display names. The countdown works without them.
func playerNames(ctx context.Context, cfg config) map[uuid.UUID]string {
	names := make(map[uuid.UUID]string)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rpc := turntimer.NewClient(&http.Client{Timeout: 5 * time.Second}, cfg.GatewayURL)
	state, err := rpc.GetTimerState(ctx, turntimer.GetTimerStateRequest{SessionID: cfg.SessionID})
	if err != nil {
		log.Warn().Err(err).Msg("could not fetch player names")
		return names
	}
	for _, p := range state.Players {
		names[p.PlayerID] = p.PlayerName
	}
	return names
}

func (w *watcher) render(res countdown.TickResult) {
	if w.client == nil || w.client.Status() != wsclient.StatusConnected {
		return
	}
	name := w.names[res.PlayerID]
	if name == "" {
		name = res.PlayerID.String()
	}
	switch res.Phase {
	case countdown.Uninitialized:
		fmt.Print("\r\033[Ktimer off")
	case countdown.Expired:
		fmt.Printf("\r\033[K%-24s %s  TIME UP", name, countdown.FormatRemaining(0))
	default:
		fmt.Printf("\r\033[K%-24s %s  %s", name, countdown.FormatRemaining(res.Remaining), res.Phase)
	}
}
