package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/savegress/labbridge/internal/api"
	"github.com/savegress/labbridge/internal/audit"
	"github.com/savegress/labbridge/internal/auth"
	"github.com/savegress/labbridge/internal/config"
	"github.com/savegress/labbridge/internal/directory"
	"github.com/savegress/labbridge/internal/ingest"
	"github.com/savegress/labbridge/internal/report"
)

func main() {
	log.Println("Starting LabBridge...")

	// Load configuration
	cfg := loadConfig()

	// Open the patient directory
	dir, err := directory.New(cfg.Storage.DataPath)
	if err != nil {
		log.Fatalf("Failed to open patient directory: %v", err)
	}
	defer dir.Close()

	// Initialize audit logger
	auditLogger := audit.NewLogger(cfg.Audit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := auditLogger.Start(ctx); err != nil {
		log.Fatalf("Failed to start audit logger: %v", err)
	}

	// Initialize auth service
	authSvc := auth.NewService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)

	// Initialize ingestion pipeline
	matchCfg := cfg.Matching
	schema := report.DefaultSchema()
	schema.IncludeCodingSystem = cfg.Ingest.IncludeCodingSystem
	pipeline := ingest.NewPipeline(dir, auditLogger, ingest.Options{
		Mode:        report.Mode(cfg.Ingest.Mode),
		Schema:      schema,
		MatchConfig: &matchCfg,
	})

	// Create API server
	server := api.NewServer(cfg, authSvc, dir, pipeline, auditLogger)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("LabBridge API listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down LabBridge...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	auditLogger.Stop()

	log.Println("LabBridge stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("LABBRIDGE_CONFIG")
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Printf("Failed to load config from %s: %v, using defaults", configPath, err)
			return config.LoadFromEnv()
		}
		return cfg
	}
	return config.LoadFromEnv()
}
