package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/bottle.report/internal/api"
	"github.com/banshee-data/bottle.report/internal/config"
	"github.com/banshee-data/bottle.report/internal/fsutil"
	"github.com/banshee-data/bottle.report/internal/ingest"
	"github.com/banshee-data/bottle.report/internal/inspect"
	"github.com/banshee-data/bottle.report/internal/store"
	"github.com/banshee-data/bottle.report/internal/track"
)

var (
	configPath = flag.String("config", "", "Path to tuning config JSON (optional)")
	dbPath     = flag.String("db", "", "Path to sqlite database (overrides config)")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	ingestAddr = flag.String("ingest", "", "UDP frame listen address (overrides config)")
)

func main() {
	flag.Parse()

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Flags win over the config file.
	database := cfg.GetDBPath()
	if *dbPath != "" {
		database = *dbPath
	}
	listenAddr := cfg.GetListenAddr()
	if *listen != "" {
		listenAddr = *listen
	}
	frameAddr := cfg.GetIngestAddr()
	if *ingestAddr != "" {
		frameAddr = *ingestAddr
	}

	st, err := store.Open(database, store.Options{
		MigrationsDir: cfg.GetMigrationsDir(),
		CloseTimeout:  cfg.GetCloseTimeout(),
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
	}()

	var images *inspect.ImageWriter
	if cfg.GetSaveDefectImages() {
		images, err = inspect.NewImageWriter(fsutil.OSFileSystem{}, cfg.GetImagesDir())
		if err != nil {
			log.Fatalf("Failed to create image writer: %v", err)
		}
	}

	pipeline := inspect.NewPipeline(inspect.Config{
		TriggerX:           cfg.GetTriggerX(),
		TriggerTolerance:   cfg.GetTriggerTolerance(),
		TrackNearThreshold: cfg.GetTrackNearThreshold(),
		Tracker: track.Config{
			MaxDisappeared: cfg.GetMaxDisappeared(),
			MaxDistance:    cfg.GetMaxDistance(),
		},
		ProductionLot: cfg.GetProductionLot(),
	}, st, images)

	// A session is live from boot; operators can start a fresh one over the
	// API at shift changes.
	log.Printf("inspection session %s started", pipeline.StartSession())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Frame listener goroutine: receives detector output and drives the
	// pipeline single-threaded.
	listener := ingest.NewUDPListener(ingest.UDPListenerConfig{Address: frameAddr}, pipeline)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("frame listener error: %v", err)
			stop()
		}
		log.Print("frame listener routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(pipeline, st, cfg).ServeMux()
		server := &http.Server{
			Addr:    listenAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", listenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
