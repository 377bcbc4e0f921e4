package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"dawnarchive/internal/api"
	"dawnarchive/internal/app"
	"dawnarchive/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf(".env not loaded: %v (using process environment only)", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, *cfg)
	if err != nil {
		log.Fatalf("failed to initialise application: %v", err)
	}
	logger := application.Logger

	deps := api.Dependencies{
		Archives:  application.Cache,
		Scraper:   application.Orchestrator,
		Scheduler: application.Background,
		Metrics:   application.Telemetry,
	}
	if application.Articles != nil {
		deps.Articles = application.Articles
	}
	server := api.NewServer(deps, cfg.Server.APIKey, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		logger.Info("closing browser")
		if err := application.Close(); err != nil {
			logger.Error("close application", "error", err)
		}
	}()

	logger.Info("api server listening",
		"addr", cfg.Server.Addr,
		"api_key_set", cfg.Server.APIKey != "",
		"proxy_enabled", cfg.Browser.ProxyURL != "",
		"sections", len(cfg.Site.Sections),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = application.Close()
		log.Fatalf("server error: %v", err)
	}
	<-ctx.Done()
	_ = application.Close()
	log.Println("API server stopped")
}
