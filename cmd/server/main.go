package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"finansist-tg-app/internal/config"
	"finansist-tg-app/internal/db"
	"finansist-tg-app/internal/handlers"
	"finansist-tg-app/internal/ledger"
	tgmiddleware "finansist-tg-app/internal/middleware"
	"finansist-tg-app/internal/metrics"
	"finansist-tg-app/internal/resolver"
	"finansist-tg-app/internal/services"
)

func main() {
	// 0. Config
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// 1. Database
	conn, err := db.Open(cfg.LibsqlURL, cfg.LibsqlAuthToken, cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to init database")
	}
	defer conn.Close()

	if err := db.Bootstrap(conn); err != nil {
		log.WithError(err).Fatal("failed to bootstrap schema")
	}
	log.Info("database initialized")

	l := ledger.New(conn)

	// 2. Telegram bot
	var bot *services.Bot
	if cfg.TelegramToken != "" {
		bot, err = services.NewBot(cfg.TelegramToken, l, cfg.MiniAppURL, cfg.AdminTelegramIDs)
		if err != nil {
			log.WithError(err).Warn("failed to init Telegram bot")
		} else {
			bot.Start()
		}
	} else {
		log.Warn("TELEGRAM_TOKEN not set, bot features disabled")
	}

	// 3. Background resolver
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var winNotifier resolver.Notifier
	if bot != nil {
		winNotifier = bot
	}
	go resolver.New(l, winNotifier, cfg.ResolveInterval, cfg.PurchaseTTL).Run(ctx)

	// 4. Router
	auth := &tgmiddleware.InitDataAuth{
		BotToken: cfg.TelegramToken,
		AdminIDs: cfg.AdminTelegramIDs,
		Debug:    cfg.Debug,
	}
	var notifier handlers.AdminNotifier
	if bot != nil {
		notifier = bot
	}
	h := handlers.New(l, notifier)
	m := metrics.New("server")

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(m.Middleware)
	r.Use(corsAllowAll)

	// Public routes
	r.Get("/api/health", h.Health)
	r.Get("/api/certificates", h.ListCertificates)
	r.Get("/api/certificates/{id}", h.GetCertificate)
	r.Get("/api/raffles", h.ListRaffles)
	r.Get("/api/charity", h.ListCharityOptions)
	r.Handle("/metrics", promhttp.Handler())

	// Routes requiring a validated Telegram user
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser)
		r.Post("/api/purchases", h.CreatePurchase)
		r.Get("/api/purchases/my", h.MyPurchases)
		r.Post("/api/raffles/{id}/join", h.JoinRaffle)
		r.Post("/api/charity/{id}/vote", h.CastVote)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Post("/api/raffles/{id}/draw", h.DrawRaffle)
		r.Post("/api/purchases/{id}/confirm", h.ConfirmPurchase)
	})

	// 5. Serve with graceful shutdown
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigchan
		log.WithField("signal", sig).Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.Port).Info("server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}

// corsAllowAll mirrors the permissive CORS policy of the mini-app frontend.
func corsAllowAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Init-Data")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
