package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"planboard/internal/app"
	"planboard/internal/config"
	"planboard/internal/identity"
	"planboard/internal/idp"
	"planboard/internal/logging"
	"planboard/internal/metrics"
	"planboard/internal/search"
	"planboard/internal/session"
	"planboard/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.AppEnv)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)
	searchService.ReindexAll(ctx)

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		sessions = redisStore
		log.Info().Msg("using redis session store")
	} else {
		sessions = session.NewMemoryStore()
		log.Info().Msg("using in-memory session store, sessions do not survive restarts")
	}

	provider := idp.NewService(dataStore, sessions, []byte(cfg.TokenSecret), cfg.SessionTTL, log)
	if err := provider.Bootstrap(ctx, cfg.BootstrapEmail, cfg.BootstrapPassword); err != nil {
		log.Warn().Err(err).Msg("bootstrap failed, will retry on next restart")
	}

	resolver := identity.NewResolver(provider, dataStore, log)
	resolver.Start(ctx)
	defer resolver.Close()

	m := metrics.New()
	service := app.NewService(dataStore, searchService, m, log)
	if err := service.RefreshBacklog(ctx); err != nil {
		log.Warn().Err(err).Msg("initial backlog load failed")
	}

	httpServer := app.NewHTTPServer(service, provider, resolver, m, log, cfg.CORSOrigin, cfg.GuardWait)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("planboard listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
