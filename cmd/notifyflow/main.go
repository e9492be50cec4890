package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"notifyflow/internal/api"
	"notifyflow/internal/broker"
	"notifyflow/internal/config"
	"notifyflow/internal/consume"
	"notifyflow/internal/dispatch"
	"notifyflow/internal/metrics"
	"notifyflow/internal/outcome"
	"notifyflow/internal/sender"
	"notifyflow/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Store.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db, cfg.Dispatch.EffectiveLease())

	met := metrics.New()

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("load aws config")
	}
	senders := sender.NewRegistry(
		sender.NewEmailSender(sesv2.NewFromConfig(awsCfg), cfg.Email),
		sender.NewPushSender(cfg.Push),
	)

	orch := dispatch.New(repo, senders, met, dispatch.Policy{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: cfg.Dispatch.BackoffBase,
		BackoffCap:  cfg.Dispatch.BackoffCap,
	})

	producer := broker.NewProducer(cfg.Broker.Brokers, cfg.Broker.OutcomeTopic)
	defer producer.Close()
	publisher := outcome.NewPublisher(repo, producer, met)
	if err := publisher.StartSweep(cfg.Broker.RepublishInterval); err != nil {
		log.Fatal().Err(err).Msg("start outcome sweep")
	}
	defer publisher.StopSweep()

	kconsumer := broker.NewConsumer(cfg.Broker.Brokers, cfg.Broker.ReminderTopic, cfg.Broker.GroupID)
	defer kconsumer.Close()

	pool := consume.New(kconsumer, orch, publisher, met,
		cfg.Dispatch.Workers, cfg.Dispatch.ProcessingTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		log.Info().Int("workers", cfg.Dispatch.Workers).
			Str("topic", cfg.Broker.ReminderTopic).Msg("consumer pool starting")
		pool.Run(ctx)
		close(done)
	}()

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServer(repo, met)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()

	select {
	case <-done:
	case <-time.After(cfg.Dispatch.ProcessingTimeout + 5*time.Second):
		log.Warn().Msg("workers did not drain in time")
	}

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
