package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vidmatch-backend/internal/agora"
	"vidmatch-backend/internal/api"
	"vidmatch-backend/internal/api/handlers"
	"vidmatch-backend/internal/config"
	"vidmatch-backend/internal/matchmaking"
	"vidmatch-backend/internal/presence"
	"vidmatch-backend/internal/storage"
	"vidmatch-backend/internal/sweep"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Database.URL, cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Presence tracker (heartbeats + freshness windows)
	tracker := presence.NewTracker(store.DB, store.Redis, cfg.Presence)

	// Token issuer; without credentials it runs in token-less mode.
	issuer := agora.NewIssuer(cfg.Agora)
	if !issuer.Enabled() {
		log.Println("Agora credentials not configured, issuing empty tokens (token-less mode)")
	}

	// Matchmaking engine + session lifecycle
	engine := matchmaking.NewEngine(store.DB, tracker, cfg.Matchmaking, nil)
	service := matchmaking.NewService(store.DB, engine, issuer, cfg.Matchmaking)

	// Background sweeps for stale searching/in_call rows
	processor := sweep.NewProcessor(store.DB, cfg.Redis.URL, cfg.Sweep)
	if err := processor.Start(ctx); err != nil {
		log.Fatalf("Failed to start sweep processor: %v", err)
	}
	defer processor.Stop()

	// Initialize handlers
	videoHandler := handlers.NewVideoHandler(service)

	// Initialize router
	r := api.NewRouter(&api.Dependencies{
		Storage:      store,
		Tracker:      tracker,
		VideoHandler: videoHandler,
		JWTSecret:    cfg.Auth.JWTSecret,
	})

	// Server setup
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
