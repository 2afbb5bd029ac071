package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/histqueue/pkg/config"
	"github.com/nicktill/histqueue/pkg/historian"
	"github.com/nicktill/histqueue/pkg/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("HISTQUEUE_CONFIG"), "path to YAML config file")
	once := flag.Bool("once", false, "pull until caught up, then exit")
	newEpoch := flag.Bool("new-epoch", false, "reset the time tracker to now before pulling")
	flag.Parse()

	log.Println("Starting histqueue...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration: span = %d min, groups = %s, string history = %t, poll = %v",
		cfg.SpanMinutes, cfg.Groups, cfg.StringHistory, cfg.PollInterval)

	components, err := server.Initialize(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := components.Close(); err != nil {
			log.Printf("Close warning: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *newEpoch {
		if err := components.Manager.ResetTracker(ctx, components.Manager.Now()); err != nil {
			log.Fatalf("Failed to start new epoch: %v", err)
		}
	}

	puller := &server.Puller{
		Manager:   components.Manager,
		Monitor:   components.CycleMonitor,
		Interval:  cfg.PollInterval,
		AutoReset: cfg.AutoReset,
	}

	if *once {
		puller.Tick(ctx)
		if !components.CycleMonitor.Status().Healthy {
			log.Println("Pull did not complete")
			components.Close()
			os.Exit(1)
		}
		return
	}

	var wg sync.WaitGroup

	if components.Historian != nil {
		tagList, err := components.SimulatedTagList(ctx)
		if err != nil {
			log.Fatalf("Failed to load tags for the simulator: %v", err)
		}
		sim := historian.NewSimulator(components.Historian, tagList, config.SimulateInterval)
		wg.Add(2)
		go func() {
			defer wg.Done()
			sim.Run(ctx)
		}()
		go server.RunRetention(ctx, components.Historian, cfg.HistorianRetention, &wg)
	}

	for name, store := range components.GC {
		wg.Add(1)
		go server.RunStoreGC(ctx, name, store, &wg)
	}

	wg.Add(1)
	go puller.Run(ctx, &wg)

	router := mux.NewRouter()
	handler := server.NewHandler(components.Manager, components.CycleMonitor, components.StorageMonitor)
	server.SetupRoutes(router, handler, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", cfg.Port)
		log.Println("API endpoints:")
		log.Println("   GET  /v1/health         - Cycle health")
		log.Println("   GET  /v1/status         - Checkpoint and settings")
		log.Println("   POST /v1/pull           - Run one cycle")
		log.Println("   PUT  /v1/settings       - Change span, offset, groups")
		log.Println("   POST /v1/tracker/reset  - Start a new epoch")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	// Cancel before wg.Wait so background tasks can observe it.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("histqueue exited cleanly")
}
