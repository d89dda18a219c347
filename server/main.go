package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mtandao/hotspot/pkg/config"
	"github.com/mtandao/hotspot/pkg/mpesa"
	"github.com/mtandao/hotspot/pkg/store"
	"github.com/mtandao/hotspot/pkg/telemetry"
)

var (
	configFile = flag.String("config", "hotspot.yaml", "Config file path")
	Version    = "dev"
)

func main() {
	flag.Parse()

	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("Config load failed")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("Hotspot server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "hotspotd",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Tracing setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database open failed")
	}
	if err := store.SeedPlans(db); err != nil {
		logger.Fatal().Err(err).Msg("Plan seed failed")
	}

	payments := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
	}, logger)

	srv := newServer(db, cfg, payments, logger)

	go srv.sweeper.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	srv.routes(r)

	logger.Info().Str("listen", cfg.Listen).Msg("Listening")
	if err := r.Run(cfg.Listen); err != nil {
		logger.Fatal().Err(err).Msg("Server exited")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
