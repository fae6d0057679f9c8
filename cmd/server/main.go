package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"catiecli-go/internal/cache"
	"catiecli-go/internal/config"
	"catiecli-go/internal/dispatch"
	"catiecli-go/internal/events"
	"catiecli-go/internal/handlers/common"
	"catiecli-go/internal/handlers/gemini"
	"catiecli-go/internal/handlers/openai"
	"catiecli-go/internal/handlers/ops"
	"catiecli-go/internal/imagestore"
	"catiecli-go/internal/logging"
	"catiecli-go/internal/middleware"
	"catiecli-go/internal/models"
	"catiecli-go/internal/monitoring"
	"catiecli-go/internal/monitoring/tracing"
	"catiecli-go/internal/oauth"
	"catiecli-go/internal/pool"
	"catiecli-go/internal/quota"
	"catiecli-go/internal/server"
	"catiecli-go/internal/stats"
	"catiecli-go/internal/storage"
	"catiecli-go/internal/upstream"
	"catiecli-go/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Security.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shut down tracing")
			}
		}()
	}

	secrets, err := vault.New(cfg.Security.MasterSecret)
	if err != nil {
		log.WithError(err).Fatal("credential vault unavailable")
	}

	store, err := storage.Open(cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}
	defer store.Close()

	bootstrapAdmin(ctx, store, cfg)

	var rpm *cache.RPMCache
	if cfg.Redis.Addr != "" {
		rpm = cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rpm.Close()
		log.WithField("addr", cfg.Redis.Addr).Info("redis RPM fast path enabled")
	}

	images, err := imagestore.New(cfg.Images.Dir)
	if err != nil {
		log.WithError(err).Fatal("image store unavailable")
	}

	refresher := oauth.NewRefresher(secrets, store, cfg.Upstream)
	resolver := oauth.NewResolver()

	credPool := pool.New(store, cfg)
	guardOpts := []quota.Option{}
	if rpm != nil {
		guardOpts = append(guardOpts, quota.WithRPMCounter(rpm))
	}
	guard := quota.New(store, cfg.Quota, guardOpts...)

	gcli := upstream.NewGeminiCLI(cfg.Upstream)
	agy := upstream.NewAntigravity(cfg.Upstream)

	hub := events.NewHub()
	hub.Start()
	defer hub.Stop()

	metrics := monitoring.New()

	dispatchOpts := []dispatch.Option{
		dispatch.WithBroadcaster(hub),
		dispatch.WithMetrics(metrics),
	}
	if rpm != nil {
		// keep the fast-path count in step with the SQL placeholder rows
		dispatchOpts = append(dispatchOpts, dispatch.WithRPMObserver(rpm))
	}
	dispatcher := dispatch.New(store, credPool, guard, refresher, resolver,
		map[string]dispatch.Upstream{
			models.VariantGeminiCLI:   gcli,
			models.VariantAntigravity: agy,
		}, cfg, dispatchOpts...)

	reporter := stats.New(store, cfg.Retention)
	middleware.SafeGo("retention", func() { reporter.RunRetention(ctx) })

	if err := config.Watch(ctx, *configPath, func(next *config.Config) {
		if err := logging.Setup(next); err != nil {
			log.WithError(err).Warn("reloaded logging configuration rejected")
		}
		log.Info("configuration reloaded")
	}); err != nil {
		log.WithError(err).Warn("configuration watcher unavailable")
	}

	catalog := common.NewCatalog(store, refresher, agy)

	srv := server.New(cfg, server.Deps{
		Users:   store,
		OpenAI:  openai.New(dispatcher, catalog, images),
		Gemini:  gemini.New(dispatcher, catalog),
		Ops:     ops.New(reporter, hub),
		Metrics: metrics,
	})
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server terminated")
	}
	log.Info("server stopped")
}

// bootstrapAdmin ensures the configured admin account exists and is the only
// admin. A missing admin password leaves accounts untouched.
func bootstrapAdmin(ctx context.Context, store *storage.Store, cfg *config.Config) {
	if cfg.Admin.Username == "" || cfg.Admin.Password == "" {
		log.Warn("admin credentials not configured, skipping admin bootstrap")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Admin.Password), bcrypt.DefaultCost)
	if err != nil {
		log.WithError(err).Fatal("failed to hash admin password")
	}
	if err := store.UpsertAdmin(ctx, cfg.Admin.Username, string(hash), cfg.Quota.DefaultDailyQuota); err != nil {
		log.WithError(err).Fatal("failed to provision admin account")
	}
	if demoted, err := store.DemoteOtherAdmins(ctx, cfg.Admin.Username); err != nil {
		log.WithError(err).Warn("failed to demote stale admin accounts")
	} else if demoted > 0 {
		log.WithField("count", demoted).Info("demoted stale admin accounts")
	}
}
