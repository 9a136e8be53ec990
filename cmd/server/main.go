package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	billingmod "github.com/fanward/fanward/modules/billing"
	"github.com/fanward/fanward/pkg/billing"
	"github.com/fanward/fanward/pkg/cache"
	"github.com/fanward/fanward/pkg/config"
	"github.com/fanward/fanward/pkg/gateway"
	"github.com/fanward/fanward/pkg/httpserver"
	"github.com/fanward/fanward/pkg/ledger"
	"github.com/fanward/fanward/pkg/logger"
	"github.com/fanward/fanward/pkg/notify"
	"github.com/fanward/fanward/pkg/pg"
	"github.com/fanward/fanward/pkg/redis"
	"github.com/fanward/fanward/pkg/scheduler"
)

const serviceName = "fanward-billing"

type appConfig struct {
	// BillingProvider selects the payment gateway: "stripe" or "paddle".
	BillingProvider string `env:"BILLING_PROVIDER" envDefault:"stripe"`

	RenewalInterval    time.Duration `env:"JOB_RENEWAL_INTERVAL" envDefault:"1h"`
	RetryInterval      time.Duration `env:"JOB_RETRY_INTERVAL" envDefault:"1h"`
	ReminderInterval   time.Duration `env:"JOB_REMINDER_INTERVAL" envDefault:"6h"`
	TierChangeInterval time.Duration `env:"JOB_TIER_CHANGE_INTERVAL" envDefault:"1h"`
}

func main() {
	var (
		appCfg    appConfig
		logCfg    logger.Config
		pgCfg     pg.Config
		redisCfg  redis.Config
		httpCfg   httpserver.Config
		billCfg   billing.Config
		notifyCfg notify.Config
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&logCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&httpCfg)
	config.MustLoad(&billCfg)
	config.MustLoad(&notifyCfg)

	log := logger.New(logCfg, serviceName)
	logger.SetAsDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		fatal(log, "postgres connection failed", err)
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		fatal(log, "migrations failed", err)
	}

	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		fatal(log, "redis connection failed", err)
	}
	defer redisClient.Close()

	gw, err := newGateway(appCfg.BillingProvider)
	if err != nil {
		fatal(log, "gateway initialization failed", err)
	}
	log.Info("payment gateway ready", slog.String("provider", appCfg.BillingProvider))

	notifier := newNotifier(notifyCfg, log)
	store := ledger.NewPostgresStore(pool)
	invalidator := cache.NewRedisInvalidator(redisClient)

	engine := billing.NewEngine(store, gw, invalidator, notifier, log, billCfg)
	processor := billing.NewProcessor(store, gw, invalidator, log, billCfg)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", healthHandler(pg.Healthcheck(pool), redis.Healthcheck(redisClient)))
	r.Mount("/api", billingmod.New(engine, processor, log).Router())

	jobs := scheduler.New(redisClient, log)
	mustAddJob(log, jobs, "process-renewals", appCfg.RenewalInterval, func(ctx context.Context) error {
		_, err := engine.ProcessRenewals(ctx)
		return err
	})
	mustAddJob(log, jobs, "process-retries", appCfg.RetryInterval, func(ctx context.Context) error {
		_, err := engine.ProcessFailedPaymentRetries(ctx)
		return err
	})
	mustAddJob(log, jobs, "send-reminders", appCfg.ReminderInterval, func(ctx context.Context) error {
		_, err := engine.SendReminders(ctx)
		return err
	})
	mustAddJob(log, jobs, "process-scheduled-tier-changes", appCfg.TierChangeInterval, func(ctx context.Context) error {
		_, err := engine.ProcessScheduledTierChanges(ctx)
		return err
	})

	go func() {
		if err := jobs.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler stopped", slog.String("error", err.Error()))
		}
	}()

	srv := httpserver.New(httpCfg, log)
	if err := srv.Run(ctx, r); err != nil {
		fatal(log, "http server failed", err)
	}
}

func newGateway(provider string) (gateway.Gateway, error) {
	switch provider {
	case "paddle":
		var cfg gateway.PaddleConfig
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return gateway.NewPaddleGateway(cfg)
	default:
		var cfg gateway.StripeConfig
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return gateway.NewStripeGateway(cfg)
	}
}

// newNotifier falls back to a noop when Postmark is not configured, so
// local environments run without email credentials.
func newNotifier(cfg notify.Config, log *slog.Logger) notify.Notifier {
	if cfg.ServerToken == "" {
		log.Warn("postmark not configured, billing emails disabled")
		return notify.Noop{}
	}
	n, err := notify.NewPostmarkNotifier(cfg)
	if err != nil {
		log.Warn("postmark initialization failed, billing emails disabled",
			slog.String("error", err.Error()))
		return notify.Noop{}
	}
	return n
}

func healthHandler(probes ...func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, probe := range probes {
			if err := probe(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func mustAddJob(log *slog.Logger, s *scheduler.Scheduler, name string, interval time.Duration, run func(context.Context) error) {
	if err := s.AddJob(name, interval, run); err != nil {
		fatal(log, "job registration failed", err)
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
