// Command server runs the compliance workflow engine: the consent and
// data-subject request APIs, the retention sweep loop, and the audit mirror.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	consentmetrics "custodia/internal/consent/metrics"
	consentservice "custodia/internal/consent/service"
	consentstore "custodia/internal/consent/store"
	"custodia/internal/dsr/export"
	dsrmetrics "custodia/internal/dsr/metrics"
	dsrservice "custodia/internal/dsr/service"
	dsrstore "custodia/internal/dsr/store"
	"custodia/internal/jwttoken"
	"custodia/internal/keys"
	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	"custodia/internal/platform/config"
	"custodia/internal/platform/kafka/producer"
	"custodia/internal/platform/logger"
	redisclient "custodia/internal/platform/redis"
	"custodia/internal/ratelimit"
	retentionengine "custodia/internal/retention/engine"
	retentionmetrics "custodia/internal/retention/metrics"
	retentionstore "custodia/internal/retention/store"
	"custodia/internal/retention/targets"
	httptransport "custodia/internal/transport/http"
	audit "custodia/pkg/platform/audit"
	"custodia/pkg/platform/audit/mirror"
	auditmemory "custodia/pkg/platform/audit/store/memory"
	auditpostgres "custodia/pkg/platform/audit/store/postgres"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New()
	clk := clock.NewSystem()

	log.Info("initializing custodia",
		"addr", cfg.Addr,
		"parental_consent_required", cfg.ParentalConsentRequired,
		"sweep_interval", cfg.SweepInterval.String(),
	)

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Error("database unreachable", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("no database configured, running with in-memory stores")
	}

	// Kafka is optional. Without brokers the audit ledger keeps its durable
	// store and notifications fall back to the log sink.
	var prod *producer.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod, err = producer.New(producer.Config{
			Brokers: strings.Join(cfg.KafkaBrokers, ","),
			Acks:    "all",
		}, log)
		if err != nil {
			log.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
	}

	ledgerOpts := []audit.Option{audit.WithLogger(log)}
	var mirrorWorker *mirror.Worker
	if prod != nil {
		mirrorWorker = mirror.New(prod, mirror.WithLogger(log))
		ledgerOpts = append(ledgerOpts, audit.WithMirror(mirrorWorker))
	}

	var auditStore audit.Store
	if db != nil {
		auditStore = auditpostgres.New(db)
	} else {
		auditStore = auditmemory.New()
	}
	ledger := audit.New(auditStore, clk, ledgerOpts...)

	var keyStore keys.Store
	if db != nil {
		keyStore = keys.NewPostgresStore(db)
	} else {
		keyStore = keys.NewInMemoryStore()
	}
	keyManager, err := keys.NewManager(keyStore, ledger, clk, cfg.MasterKey, keys.WithLogger(log))
	if err != nil {
		log.Error("failed to initialize key manager", "error", err)
		os.Exit(1)
	}

	var sink notify.Sink
	if prod != nil {
		sink = notify.NewKafkaSink(prod, log)
	} else {
		sink = notify.NewLogSink(log)
	}

	var consentRepo consentstore.Store
	var requestRepo dsrstore.Store
	var policyRepo retentionstore.Store
	var exportSource export.Source
	if db != nil {
		consentRepo = consentstore.NewPostgres(db)
		requestRepo = dsrstore.NewPostgres(db)
		policyRepo = retentionstore.NewPostgres(db)
		exportSource = export.NewPostgresSource(db)
	} else {
		consentRepo = consentstore.NewInMemoryStore()
		requestRepo = dsrstore.NewInMemoryStore()
		policyRepo = retentionstore.NewInMemoryStore()
		exportSource = export.NewInMemorySource()
	}

	consentSvc := consentservice.NewService(consentRepo, ledger, keyManager, sink, clk,
		consentservice.WithLogger(log),
		consentservice.WithMetrics(consentmetrics.New()),
		consentservice.WithVerificationWindow(cfg.VerificationWindow),
	)
	requestSvc := dsrservice.NewService(requestRepo, ledger, keyManager, sink, exportSource, clk,
		dsrservice.WithLogger(log),
		dsrservice.WithMetrics(dsrmetrics.New()),
	)

	engineTargets := map[string]retentionengine.Target{
		"audit": targets.NewAuditTarget(ledger),
	}
	if db != nil {
		engineTargets["student"] = targets.NewStudentTarget(db)
	}
	engine := retentionengine.New(policyRepo, engineTargets, ledger, clk,
		retentionengine.WithLogger(log),
		retentionengine.WithMetrics(retentionmetrics.New()),
		retentionengine.WithInterval(cfg.SweepInterval),
		retentionengine.WithExpirer(consentSvc),
		retentionengine.WithGuard(targets.NewRequestGuard(requestSvc, "student")),
		retentionengine.WithNotifier(sink),
	)

	redisClient, err := redisclient.New(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	var limiterStore ratelimit.Store
	if redisClient != nil {
		limiterStore = ratelimit.NewRedisStore(redisClient.Client)
	} else {
		limiterStore = ratelimit.NewInMemoryStore()
	}
	limiter := ratelimit.NewMiddleware(limiterStore, cfg.SubmitRatePerMinute, time.Minute, log)

	tokens := jwttoken.NewService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL, clk)

	router := httptransport.NewRouter(httptransport.Deps{
		Consent:  consentSvc,
		Requests: requestSvc,
		Keys:     keyManager,
		Ledger:   ledger,
		Engine:   engine,
		Policies: policyRepo,
		Clock:    clk,
		Config:   cfg,
		Auth:     tokens,
		Limiter:  limiter,
		Logger:   log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mirrorWorker != nil {
		mirrorWorker.Start()
	}
	engine.Start()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			log.Error("retention engine shutdown failed", "error", err)
		}
		if mirrorWorker != nil {
			if err := mirrorWorker.Stop(shutdownCtx); err != nil {
				log.Error("audit mirror shutdown failed", "error", err)
			}
		}
		if prod != nil {
			if err := prod.Close(shutdownCtx); err != nil {
				log.Error("kafka producer close failed", "error", err)
			}
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
