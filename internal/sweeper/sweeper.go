package sweeper

import (
	"context"
	"log"
	"time"

	"classtrack/internal/metrics"
)

// Stats describes the current ping backlog.
type Stats struct {
	Total           int64 `json:"total"`
	CompletePairs   int64 `json:"complete_pairs"`
	IncompletePairs int64 `json:"incomplete_pairs"`
	ReadyForCleanup int64 `json:"ready_for_cleanup"`
}

// Store is the persistence surface the sweeper needs.
type Store interface {
	// DeleteCompletePings removes every ping of every triple that has a
	// third ping, and nothing else.
	DeleteCompletePings(ctx context.Context) (int64, error)
	// DeleteAllPings wipes the ping table. Testing only.
	DeleteAllPings(ctx context.Context) (int64, error)
	PingStats(ctx context.Context) (Stats, error)
}

// Sweeper reclaims ping state once consolidation has closed a triple. The
// policy is observational: a triple is reclaimed on the first sweep that sees
// its ping_number=3 row, with no further grace period. Incomplete triples are
// untouchable, which is what makes the sweeper safe to run concurrently with
// in-flight ingestion.
type Sweeper struct {
	store    Store
	interval time.Duration
}

// New creates a sweeper. interval <= 0 falls back to 30s.
func New(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{store: store, interval: interval}
}

// Interval returns the configured sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run executes periodic sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("retention sweeper started, interval %s", s.interval)
	for {
		select {
		case <-ticker.C:
			deleted, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("sweep reclaimed %d pings", deleted)
			}
		case <-ctx.Done():
			log.Println("retention sweeper stopped")
			return
		}
	}
}

// Sweep runs one reclamation pass. Also serves as the manual trigger.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	deleted, err := s.store.DeleteCompletePings(ctx)
	if err != nil {
		return 0, err
	}
	metrics.SweepRuns.Inc()
	metrics.SweptPings.Add(float64(deleted))
	return deleted, nil
}

// WipeAll deletes every ping regardless of completeness. Testing only.
func (s *Sweeper) WipeAll(ctx context.Context) (int64, error) {
	return s.store.DeleteAllPings(ctx)
}

// Stats reports backlog counts.
func (s *Sweeper) Stats(ctx context.Context) (Stats, error) {
	return s.store.PingStats(ctx)
}
