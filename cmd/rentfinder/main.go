package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/activity"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/api"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/channel"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/compliance"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/config"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/dispatcher"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/ledger"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/override"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/scheduler"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/store"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/tasks"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/webhook"
)

func main() {
	cfg, foundEnv, err := config.Load(os.Args[1:])

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	if lvl, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if !foundEnv {
		log.Warn().Msg("no .env file; using environment only")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsn := cfg.DatabaseURL
	if cfg.DBDriver == "sqlite" {
		dsn = store.SQLiteDSN(cfg.DatabaseURL)
	}
	st, err := store.Open(ctx, cfg.DBDriver, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	// Contact counting: Redis sliding window when configured, else the task table.
	var counter compliance.ContactCounter = compliance.NewSQLCounter(st)
	var dispatchOpts []dispatcher.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
		rc := compliance.NewRedisCounter(rdb)
		counter = rc
		dispatchOpts = append(dispatchOpts, dispatcher.WithContactRecorder(rc))
	}
	gate := compliance.NewGate(counter)

	var act activity.Log = activity.NewStoreLog(st)
	if cfg.KafkaBrokers != "" {
		sink := activity.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaActivityTopic)
		defer sink.Close()
		act = activity.NewFanout(log.Logger, act, sink)
	}

	costs := ledger.New(st, ledger.Rates{
		CallPerMinute:   cfg.PriceCallPerMinute,
		SMSPerSegment:   cfg.PriceSMSPerSegment,
		EmailPerMessage: cfg.PriceEmailPerMessage,
	})

	creds := channel.NewCredentials(st, store.ErrNotFound, cfg.Defaults())
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatal().Err(err).Msg("load aws config")
	}
	registry := channel.NewRegistry(
		channel.NewVoice(channel.VoiceConfig{WebhookURL: cfg.PublicBaseURL + "/webhooks/voice"},
			channel.NewClient(cfg.BlandAPIURL, cfg.TimeoutCall), creds),
		channel.NewSMS(channel.SMSConfig{StatusCallbackURL: cfg.PublicBaseURL + "/webhooks/sms/status"},
			channel.NewClient(cfg.TwilioAPIURL, cfg.TimeoutSMS), creds),
		channel.NewEmail(awsCfg, creds),
	)
	registry.SetTimeout(domain.ActionSMS, cfg.TimeoutSMS)
	registry.SetTimeout(domain.ActionEmail, cfg.TimeoutEmail)
	registry.SetTimeout(domain.ActionCall, cfg.TimeoutCall)

	taskSvc := tasks.NewService(st, gate, log.Logger)
	hooks := webhook.NewService(st, costs, act, taskSvc, log.Logger)
	dispatchOpts = append(dispatchOpts, dispatcher.WithActivity(act), dispatcher.WithCompleter(hooks))
	disp := dispatcher.New(st, gate, costs, registry, dispatcher.Config{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		ClaimLease:  cfg.ClaimLease,
		CallGrace:   cfg.CallGracePeriod,
		AsyncGrace:  cfg.AsyncGracePeriod,
	}, log.Logger, dispatchOpts...)

	if cfg.Once {
		sum, err := disp.RunCycle(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("dispatch cycle")
		}
		sweep, err := disp.Sweep(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("sweep")
		}
		log.Info().Int("claimed", sum.Claimed).Interface("outcomes", sum.Outcomes).
			Interface("sweep", sweep).Msg("single run finished")
		return
	}

	sched := scheduler.NewService(log.Logger)
	if err := sched.Add("dispatch", cfg.DispatchCron, func(ctx context.Context) error {
		_, err := disp.RunCycle(ctx)
		return err
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule dispatch")
	}
	if err := sched.Add("sweep", cfg.SweepCron, func(ctx context.Context) error {
		_, err := disp.Sweep(ctx)
		return err
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule sweep")
	}
	schedDone := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(schedDone)
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Store:      st,
			Tasks:      taskSvc,
			Overrides:  override.NewController(st, act, log.Logger),
			Dispatcher: disp,
			Webhooks:   hooks,
			Costs:      costs,
		}, log.Logger, api.Options{CORSOrigins: cfg.CORSOrigins, EnableDebug: os.Getenv("DEBUG_PPROF") == "1"}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	select {
	case <-schedDone:
	case <-ctxTimeout.Done():
		log.Warn().Msg("scheduler did not stop in time")
	}
}
