package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audiocache/work/client"
	"audiocache/work/config"
	"audiocache/work/cookies"
	"audiocache/work/extract"
	"audiocache/work/handlers"
	"audiocache/work/ledger"
	"audiocache/work/logger"
	"audiocache/work/middleware"
	"audiocache/work/prefetch"
	"audiocache/work/relay"
	"audiocache/work/store"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	// Initialize HTTP client
	httpClient := client.NewHeaderSettingClient()

	// Initialize artifact store
	artifacts, err := store.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to artifact store: %v", err)
	}

	// Open the extraction failure ledger
	failures, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("Failed to open failure ledger: %v", err)
	}
	defer failures.Close()

	// Credential converter over the cookie blob
	creds := cookies.New(artifacts)

	// Extraction orchestrator
	orchestrator := extract.New(cfg, artifacts, creds, failures)

	// HTTP surface
	server := handlers.New(cfg, artifacts, orchestrator, creds)

	// Loopback streaming relay
	streamRelay := relay.New(cfg.RelayPort, httpClient)
	if err := streamRelay.Start(); err != nil {
		log.Fatalf("Failed to start streaming relay: %v", err)
	}
	defer streamRelay.Stop()

	// Prefetch scheduler
	scheduler, err := prefetch.New(cfg, artifacts, orchestrator, failures, httpClient)
	if err != nil {
		log.Fatalf("Failed to create prefetch scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup HTTP routes
	router := mux.NewRouter()

	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequireSecret(cfg.APISecret, h)
	}

	// Audio delivery route
	router.HandleFunc("/audio", auth(server.HandleAudio)).Methods("GET")

	// Batch existence check route
	router.HandleFunc("/check-cache", auth(middleware.Gzip(server.HandleCheckCache))).Methods("GET", "POST")

	// Cookie health route
	router.HandleFunc("/cookie-status", auth(middleware.Gzip(server.HandleCookieStatus))).Methods("GET")

	// Collaborator blob sync routes
	router.HandleFunc("/sync-history", auth(middleware.Gzip(server.HandleSyncHistory))).Methods("GET", "POST")
	router.HandleFunc("/sync-preferences", auth(middleware.Gzip(server.HandleSyncPreferences))).Methods("GET", "POST")

	// Relay target route
	router.HandleFunc("/relay/target", auth(server.HandleRelayTarget(streamRelay))).Methods("POST")

	// add the admin routes
	setupAdminRoutes(router, cfg, artifacts, failures)

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// show info
	logger.Info("Starting AudioCache %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Public Domain: %s", cfg.PublicDomain)
	logger.Info("  - Store Bucket: %s", cfg.StoreBucket)
	logger.Info("  - Relay Port: %d", cfg.RelayPort)
	logger.Info("  - Max. Extraction Attempts: %d", cfg.MaxAttempts)
	logger.Info("  - Extraction Timeout: %s", cfg.ExtractTimeout)
	logger.Info("  - Prefetch Interval: %s", cfg.PrefetchInterval)
	logger.Info("  - Prefetch Depth: %d", cfg.PrefetchDepth)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	// stop cleanly on SIGINT/SIGTERM so the ledger and relay close out
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown requested...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	// fire us up
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
}
