package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/FindIt/internal/adapters/http"
	"github.com/dkeye/FindIt/internal/app"
	"github.com/dkeye/FindIt/internal/app/relay"
	"github.com/dkeye/FindIt/internal/config"
	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/notify"
	"github.com/dkeye/FindIt/internal/session"
	"github.com/dkeye/FindIt/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	var db *store.Store
	if cfg.Storage.Driver != "none" {
		var err error
		db, err = store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.ConnectTimeout)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var rdb *redis.Client
	if cfg.RedisNeeded() {
		var err error
		rdb, err = session.NewRedisClient(ctx, session.RedisOptions{
			Address:  cfg.Session.RedisAddress,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
			MaxWait:  cfg.Storage.ConnectTimeout,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var sessions core.SessionStore
	if cfg.Session.Enabled {
		sessions = session.NewRedisStore(rdb, cfg.Session.TTL)
	}

	pub, err := notify.New(ctx, notify.Options{
		Type:         cfg.Events.Type,
		RedisChannel: cfg.Events.RedisChannel,
		KafkaBrokers: cfg.Events.KafkaBrokers,
		KafkaTopic:   cfg.Events.KafkaTopic,
		MaxWait:      cfg.Storage.ConnectTimeout,
	}, func(context.Context) (notify.RedisClient, error) {
		if rdb == nil {
			return nil, fmt.Errorf("redis not configured")
		}
		return rdb, nil
	})
	if err != nil {
		return err
	}
	defer pub.Close()

	deps := relay.Deps{
		Policy:   app.PolicyByName(cfg.Backpressure),
		Sessions: sessions,
	}
	handlers := &router.Handlers{Sessions: sessions}
	var calls core.CallStore
	if db != nil {
		calls = db
		deps.Directory = db
		handlers.Messages = db
		handlers.Calls = db
		handlers.Directory = db
		handlers.Storage = db
	}
	deps.Recorder = app.NewRecorder(calls, pub, app.RecorderOptions{
		QueueSize:      cfg.Calls.RecordQueue,
		PersistTimeout: cfg.Calls.PersistTimeout,
	})
	// Drains pending writes before pub and db close.
	defer deps.Recorder.Close()

	rl := relay.New(deps, relay.Options{
		RingTimeout:     cfg.Calls.RingTimeout,
		RequireAccepted: cfg.Chat.RequireAccepted,
		OfferLimit:      cfg.Calls.OfferLimit,
		OfferWindow:     cfg.Calls.OfferWindow,
		ServerID:        cfg.ServerID,
	})
	handlers.Relay = rl
	go rl.Run(ctx)

	var validator *router.JWTValidator
	if cfg.Auth.Enabled {
		var revocations router.Revocations
		if rdb != nil {
			revocations = rdb
		}
		validator = router.NewJWTValidator(cfg.Auth.JWTSecret, revocations, cfg.Auth.RevocationKey)
	}

	r := router.SetupRouter(ctx, cfg, handlers, validator)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("FindIt signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	return nil
}
