package coordinator

import (
	"context"
	"time"

	"github.com/7maylord/whisper/pkgs/workers"
	log "github.com/sirupsen/logrus"
)

// DefaultSweepInterval is how often stale attestation rounds are dropped
const DefaultSweepInterval = 30 * time.Second

// Sweep discards attestation rounds whose intention expired or closed
func (c *Coordinator) Sweep() int {
	pruned := c.engine.Prune()
	if pruned > 0 {
		log.WithField("rounds", pruned).Debug("Pruned stale attestation rounds")
	}
	return pruned
}

// RunSweeper calls Sweep on every tick until ctx is done. monitor may be nil.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration, monitor *workers.WorkerMonitor) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	monitor.StartWorker(ctx)
	defer monitor.CleanupWorker(context.Background())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Round sweeper stopped")
			return
		case <-ticker.C:
			monitor.ProcessingStarted(ctx, "prune")
			c.Sweep()
			monitor.ProcessingCompleted(ctx)
		}
	}
}
