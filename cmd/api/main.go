package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claimline/api/internal/app"
	"claimline/api/internal/blobstore"
	"claimline/api/internal/config"
	"claimline/api/internal/export"
	"claimline/api/internal/fanout"
	"claimline/api/internal/identity"
	"claimline/api/internal/retention"
	"claimline/api/internal/search"
	"claimline/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	blobs, err := blobstore.New(blobstore.Config{
		Endpoint:    cfg.MinioEndpoint,
		AccessKey:   cfg.MinioAccessKey,
		SecretKey:   cfg.MinioSecretKey,
		Bucket:      cfg.MinioBucket,
		UseSSL:      cfg.MinioUseSSL,
		DownloadTTL: cfg.DownloadURLTTL,
		UploadTTL:   cfg.UploadURLTTL,
	})
	if err != nil {
		log.Fatalf("object store client failed: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Fatalf("attachment bucket setup failed: %v", err)
	}

	broadcaster, err := fanout.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer broadcaster.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	if cfg.PurgeCron != "" {
		purger := retention.NewPurger(dataStore, blobs)
		stopPurger, err := purger.Start(ctx, cfg.PurgeCron)
		if err != nil {
			log.Fatalf("purge scheduler failed: %v", err)
		}
		defer stopPurger()
	}

	registry := prometheus.NewRegistry()
	metrics := app.NewMetrics(registry)

	service := app.NewService(
		dataStore,
		blobs,
		app.FanoutChannel{Broadcaster: broadcaster},
		identity.NewResolver(dataStore),
		searchService,
		export.NewService(dataStore),
		cfg.TokenSecret,
		metrics,
	)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	root.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: the event stream keeps response bodies open for
		// as long as a conversation is on screen.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ClaimLine API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
