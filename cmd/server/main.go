package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/david/opportunity-crm/internal/api"
	"github.com/david/opportunity-crm/internal/config"
	"github.com/david/opportunity-crm/internal/crm"
	"github.com/david/opportunity-crm/internal/crmsync"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer repo.Close()

	client := crm.NewClient(cfg.CRM.ClientConfig())
	if _, ok := client.AuthHeader(); !ok {
		log.Print("[SAP CRM] No credentials configured; requests will be sent without authentication")
	}

	srv, err := api.NewServer(cfg.Server, repo, crmsync.NewService(client, repo))
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	go func() {
		log.Printf("Server starting on port %s...", cfg.Server.Port)
		if err := srv.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Print("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
}
