package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/api"
	"github.com/gluk-w/claworc/metering-proxy/internal/cache"
	"github.com/gluk-w/claworc/metering-proxy/internal/config"
	"github.com/gluk-w/claworc/metering-proxy/internal/crypto"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	"github.com/gluk-w/claworc/metering-proxy/internal/logging"
	"github.com/gluk-w/claworc/metering-proxy/internal/pricing"
	"github.com/gluk-w/claworc/metering-proxy/internal/providers"
	"github.com/gluk-w/claworc/metering-proxy/internal/proxy"
	"github.com/gluk-w/claworc/metering-proxy/internal/topup"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app is the wired service: everything the router needs.
type app struct {
	db      *gorm.DB
	auth    *proxy.Authenticator
	gate    *proxy.Gate
	limiter *proxy.RateLimiter
	handler *proxy.Handler
	admin   *api.Server
}

func newApp(cfg config.Settings, db *gorm.DB, store cache.Store) (*app, error) {
	box, err := crypto.LoadBox(db, cfg.FernetKey)
	if err != nil {
		return nil, err
	}
	markup, err := cfg.MarkupBasisPoints()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	prices := pricing.Default()
	if cfg.PricingFile != "" {
		if err := prices.LoadFile(cfg.PricingFile); err != nil {
			return nil, err
		}
	}

	provider, _ := providers.Get("anthropic")
	provider = provider.WithUpstream(cfg.UpstreamURL)
	provider.AuthStyle = providers.ParseAuthStyle(cfg.UpstreamAuth)
	provider.Version = cfg.AnthropicVersion

	l := ledger.New(db)
	a := &app{db: db}
	a.auth = proxy.NewAuthenticator(db, store)
	a.gate = proxy.NewGate(l, store, proxy.GateConfig{
		LowBalanceCents: cfg.LowBalanceCents,
		DowngradeModel:  cfg.DowngradeModel,
		DailyLimitCents: cfg.DailyLimitCents,
		Location:        loc,
		TopUpURL:        cfg.TopUpURL,
	})
	a.limiter = proxy.NewRateLimiter(db, store)
	a.handler = proxy.NewHandler(proxy.HandlerConfig{
		Provider:          provider,
		Client:            &http.Client{Timeout: cfg.UpstreamTimeout},
		Keys:              proxy.NewKeyResolver(db, box, provider.Name, cfg.AnthropicAPIKey),
		Prices:            prices,
		MarkupBasisPoints: markup,
		Ledger:            l,
		Auth:              a.auth,
		Gate:              a.gate,
	})
	a.admin = api.NewServer(api.Options{
		DB:          db,
		Ledger:      l,
		Box:         box,
		Auth:        a.auth,
		Limiter:     a.limiter,
		Location:    loc,
		AdminSecret: cfg.AdminSecret,
	})
	return a, nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", api.HealthCheck(a.db))

	// Agent-facing metered proxy
	r.Route("/proxy/v1", func(r chi.Router) {
		r.Use(a.auth.Middleware)
		r.Use(a.gate.Middleware)
		r.Use(a.limiter.Middleware)
		r.Method(http.MethodPost, "/messages", a.handler)
	})

	// Management API (control-plane-facing)
	r.Mount("/admin", a.admin.Routes())
	return r
}

func newCache(ctx context.Context, cfg config.Settings) (cache.Store, func()) {
	if cfg.RedisAddr == "" {
		mem := cache.NewMemory()
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mem.Sweep()
				}
			}
		}()
		return mem, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable at startup, lookups will fall through to the database")
	}
	store := cache.NewRedis(client, "metering:", func(op string, err error) {
		log.WithError(err).WithField("op", op).Warn("redis cache error")
	})
	return store, func() { client.Close() }
}

func main() {
	config.Load()
	cfg := config.Cfg

	closeLog := logging.Init(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Path: cfg.LogPath})
	defer closeLog()

	db, err := database.Open(database.Options{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
	})
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close(db)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeCache := newCache(sigCtx, cfg)
	defer closeCache()

	a, err := newApp(cfg, db, store)
	if err != nil {
		log.Fatalf("Startup: %v", err)
	}

	stopTopUps, err := topup.NewScanner(db).Start(sigCtx, cfg.TopUpSchedule)
	if err != nil {
		log.Fatalf("Top-up scanner: %v", err)
	}
	defer stopTopUps()

	// Graceful shutdown
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: a.router(),
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("Metering proxy starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Shutdown error")
	}
	log.Info("Metering proxy stopped")
}
