package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classtrack/internal/config"
	"classtrack/internal/store"
	"classtrack/internal/sweeper"
)

// Sweeper daemon: periodically reclaims ping state for consolidated sessions.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	sweep := sweeper.New(sweeper.NewRepository(db.Client), cfg.SweepInterval)

	stats, err := sweep.Stats(ctx)
	if err != nil {
		log.Printf("WARNING: stats query failed: %v", err)
	} else {
		log.Printf("ping backlog: total=%d complete=%d incomplete=%d ready=%d",
			stats.Total, stats.CompletePairs, stats.IncompletePairs, stats.ReadyForCleanup)
	}

	sweep.Run(ctx)
}
