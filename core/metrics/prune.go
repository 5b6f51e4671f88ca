package metrics

import (
	"context"
	"log"
	"time"

	"fleetcore/core/observability"
	"fleetcore/core/store"
)

// Pruner periodically removes metric samples older than a configured
// retention window, the same single-periodic-task shape as the
// heartbeat monitor's sweep loop.
type Pruner struct {
	store     store.Store
	interval  time.Duration
	retention time.Duration
}

// NewPruner builds a Pruner. interval is how often the sweep runs;
// retention is how long a sample is kept before it becomes eligible for
// deletion.
func NewPruner(s store.Store, interval, retention time.Duration) *Pruner {
	return &Pruner{store: s, interval: interval, retention: retention}
}

// Start launches the sweep loop in its own goroutine.
func (p *Pruner) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Pruner) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-p.retention)
			deleted, err := p.store.PruneMetrics(ctx, before)
			if err != nil {
				log.Printf("metrics: prune sweep failed: %v", err)
				continue
			}
			if deleted > 0 {
				observability.MetricsPruned.Add(float64(deleted))
				log.Printf("metrics: pruned %d samples older than %v", deleted, p.retention)
			}
		}
	}
}
