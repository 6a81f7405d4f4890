package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/giftswap/giftswap/go/internal/diag"
	"github.com/giftswap/giftswap/go/internal/driver"
	"github.com/giftswap/giftswap/go/internal/outbox"
	"github.com/giftswap/giftswap/go/internal/send"
	"github.com/giftswap/giftswap/go/internal/stream"
	"github.com/giftswap/giftswap/go/internal/unread"
	"github.com/giftswap/giftswap/go/internal/watermark"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	// Durable local outbox.
	store, err := outbox.NewStore(ctx, config.Outbox.DBPath, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open outbox store")
	}
	defer store.Close()

	// Delivery client over the session layer's token file.
	tokens := send.NewFileTokenSource(config.Send.TokenFile)
	sender := send.NewClient(config.Send.Endpoint, tokens)

	drainCfg := outbox.DefaultDrainConfig()
	if config.Outbox.BackoffBase > 0 {
		drainCfg.BackoffBase = config.Outbox.BackoffBase
	}
	if config.Outbox.BackoffCap > 0 {
		drainCfg.BackoffCap = config.Outbox.BackoffCap
	}
	if config.Outbox.MaxAttempts > 0 {
		drainCfg.MaxAttempts = config.Outbox.MaxAttempts
	}
	drainer := outbox.NewDrainer(store, sender, drainCfg, clock)

	// Watermarks in the shared backend database.
	pool, err := pgxpool.New(ctx, config.Watermark.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	marks := watermark.NewPostgresStore(pool)
	if err := marks.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to init watermark schema")
	}
	watermarks := watermark.NewSynchronizer(marks, clock)

	// Shared live stream.
	opener, err := buildOpener(config, tokens)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build stream opener")
	}
	registry := stream.NewRegistry(opener)

	counter := unread.NewCounter(config.UserID)
	watermarks.OnFlush = func(userID, conversationID string, lastReadAt time.Time) {
		counter.SetWatermark(conversationID, lastReadAt)
	}

	// The counter is one consumer of the shared stream; watermark flushes
	// feed it without touching the registry.
	sub := registry.Acquire(stream.UserMessagesKey(config.UserID))
	defer sub.Release()
	go counter.Run(ctx, sub.Messages())

	// Session layer glue is external; with a token file present we treat
	// auth as ready once the file is readable.
	if _, err := tokens.Token(ctx, false); err != nil {
		log.Warn().Err(err).Msg("no token available yet, stream stays gated")
	} else {
		registry.SetAuthState(stream.AuthReady)
	}

	// Runtime driver: drain on start, every interval, and on events.
	events := driver.NewChannelEventSource()
	driverCfg := driver.DefaultConfig()
	if config.Outbox.DrainInterval > 0 {
		driverCfg.DrainInterval = config.Outbox.DrainInterval
	}
	runner := driver.New(drainer, store, config.UserID, events, driverCfg, clock)
	go runner.Run(ctx)

	// Diagnostics endpoint for the local UI.
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	mux := http.NewServeMux()
	mux.Handle("/debug/giftswap", diag.NewHandler(store, registry, counter, config.UserID))
	server := &http.Server{Addr: config.Diag.Addr, Handler: c.Handler(mux)}

	go func() {
		log.Info().Str("addr", config.Diag.Addr).Msg("diagnostics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("diagnostics server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	watermarks.Clear()
	registry.SetAuthState(stream.AuthSignedOut)
	_ = server.Shutdown(context.Background())
}

func buildOpener(config *Config, tokens send.TokenSource) (stream.Opener, error) {
	switch config.Stream.Transport {
	case "websocket":
		return stream.NewWebSocketOpener(
			stream.DefaultWebSocketOpenerConfig(config.Stream.WSURL), tokens), nil
	default:
		natsCfg := stream.DefaultNATSOpenerConfig()
		natsCfg.URL = config.Stream.NATSURL
		return stream.NewNATSOpener(natsCfg)
	}
}
